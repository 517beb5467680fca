// Package notify delivers low-quality alerts over e-mail, chat, MQTT and
// local commands.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linewatch/linewatch/internal/errs"
)

// Message is one alert. To is the line's alert address and may be empty;
// channels that need an address skip empty ones.
type Message struct {
	To          string
	Subject     string
	Body        string
	LineID      uint
	LineName    string
	DeviceToken string
	Quality     float64
	Threshold   int
}

// Notifier delivers alerts.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// AlertSubject is the subject line of every quality alert.
const AlertSubject = "Linewatch - Quality Alert"

// QualityAlert builds the alert message for a line whose quality fell below
// its threshold.
func QualityAlert(to, lineName string, lineID uint, deviceToken string, quality float64, threshold int) Message {
	return Message{
		To:          to,
		Subject:     AlertSubject,
		Body:        fmt.Sprintf("Alert: quality for line %s is below threshold. Quality %.1f%% (threshold %d%%)", lineName, quality, threshold),
		LineID:      lineID,
		LineName:    lineName,
		DeviceToken: deviceToken,
		Quality:     quality,
		Threshold:   threshold,
	}
}

// Named is a Notifier with a channel name used in errors.
type Named struct {
	Name     string
	Notifier Notifier
}

// Multi fans an alert out to every channel. Each channel is attempted;
// failures are joined and wrapped in NotifierError.
type Multi struct {
	Channels []Named
}

// Send delivers msg on every channel.
func (m *Multi) Send(ctx context.Context, msg Message) error {
	var failures []error
	for _, ch := range m.Channels {
		if err := ch.Notifier.Send(ctx, msg); err != nil {
			var ne *errs.NotifierError
			if !errors.As(err, &ne) {
				err = &errs.NotifierError{Channel: ch.Name, Err: err}
			}
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Len reports the number of configured channels.
func (m *Multi) Len() int { return len(m.Channels) }

// Recorder records every message it is asked to send. Fail, when set, is
// consulted per message and its error returned.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Fail func(Message) error
}

// Send records msg.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	if r.Fail != nil {
		return r.Fail(msg)
	}
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}
