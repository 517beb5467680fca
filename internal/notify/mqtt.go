package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/linewatch/linewatch/internal/config"
)

// mqttPublisher is the subset of mqtt.Client used here.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes alerts to the line's device topic so on-line equipment
// can react (stop the belt, light a beacon).
type MQTT struct {
	client mqttPublisher
	topic  string // contains {device_token}
}

// alertPayload is the JSON document devices receive.
type alertPayload struct {
	LineID    uint      `json:"line_id"`
	LineName  string    `json:"line_name"`
	Quality   float64   `json:"quality"`
	Threshold int       `json:"threshold"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

// NewMQTT connects to the broker and returns a publisher.
func NewMQTT(cfg config.MQTTConfig) (*MQTT, func(), error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("notify: mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("notify: mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("notify: connected to mqtt broker %s", cfg.Broker)

	closeFn := func() { client.Disconnect(250) }
	return &MQTT{client: client, topic: cfg.Topic}, closeFn, nil
}

// Topic returns the topic alerts for a device are published on.
func (m *MQTT) Topic(deviceToken string) string {
	return strings.ReplaceAll(m.topic, "{device_token}", deviceToken)
}

// Send publishes msg at QoS 1 and waits for the broker acknowledgement.
func (m *MQTT) Send(ctx context.Context, msg Message) error {
	if msg.DeviceToken == "" {
		return fmt.Errorf("line %d has no device token", msg.LineID)
	}
	payload, err := json.Marshal(alertPayload{
		LineID:    msg.LineID,
		LineName:  msg.LineName,
		Quality:   msg.Quality,
		Threshold: msg.Threshold,
		Message:   msg.Body,
		SentAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	topic := m.Topic(msg.DeviceToken)
	token := m.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
