package notify

import (
	"context"
	"errors"
)

// Level is the Bark interruption level of a message.
type Level string

const (
	LevelActive        Level = "active"
	LevelTimeSensitive Level = "timeSensitive"
	LevelPassive       Level = "passive"
)

// Message is one push notification.
type Message struct {
	Title string
	Body  string
	Level Level
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers msg to every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
