// Package notify tells machines that a command is waiting for them. Delivery is best
// effort: machines still poll the queue, a notification only shortens the wait.
package notify

import (
	"context"
	"time"

	"github.com/buildtall-systems/vendorder/internal/metrics"
	"go.uber.org/multierr"
)

// CommandEvent announces a newly enqueued command.
type CommandEvent struct {
	CommandID string    `json:"command_id"`
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	MachineID string    `json:"machine_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Notifier interface {
	NotifyCommand(ctx context.Context, ev CommandEvent) error
}

// Channel is a Notifier with a name used in metrics.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers an event to every channel and joins their errors.
type Fanout struct {
	channels []Channel
}

func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels}
}

func (f *Fanout) NotifyCommand(ctx context.Context, ev CommandEvent) error {
	var errs error
	for _, ch := range f.channels {
		err := ch.Notifier.NotifyCommand(ctx, ev)
		metrics.RecordNotification(ch.Name, err)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Len returns the number of channels.
func (f *Fanout) Len() int {
	return len(f.channels)
}

// Nop discards every event.
type Nop struct{}

func (Nop) NotifyCommand(context.Context, CommandEvent) error { return nil }
