package notify

import (
	"github.com/linewatch/linewatch/internal/config"
)

// FromConfig builds a fan-out notifier for every configured channel. The
// returned close function releases broker connections.
func FromConfig(cfg config.NotifyConfig) (*Multi, func(), error) {
	m := &Multi{}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Email.Host != "" {
		e, err := NewEmail(cfg.Email)
		if err != nil {
			return nil, nil, err
		}
		m.Channels = append(m.Channels, Named{Name: "email", Notifier: e})
	}
	if cfg.Slack.Channel != "" {
		m.Channels = append(m.Channels, Named{Name: "slack", Notifier: NewSlack(cfg.Slack.Token, cfg.Slack.Channel)})
	}
	if cfg.Discord.Channel != "" {
		d, err := NewDiscord(cfg.Discord.Token, cfg.Discord.Channel)
		if err != nil {
			return nil, nil, err
		}
		m.Channels = append(m.Channels, Named{Name: "discord", Notifier: d})
	}
	if cfg.MQTT.Broker != "" {
		q, closeFn, err := NewMQTT(cfg.MQTT)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, closeFn)
		m.Channels = append(m.Channels, Named{Name: "mqtt", Notifier: q})
	}
	if cfg.Command != "" {
		m.Channels = append(m.Channels, Named{Name: "command", Notifier: &Command{Template: cfg.Command}})
	}
	return m, closeAll, nil
}
