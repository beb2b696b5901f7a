// Package commands serves per-machine command queues to the machines that drain them.
package commands

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/metrics"
	"github.com/buildtall-systems/vendorder/internal/notify"
	"go.uber.org/zap"
)

// DefaultClaimWindow bounds how many pending commands a claim inspects. A machine with
// more pending commands than this still drains them in order, one window at a time.
const DefaultClaimWindow = 20

// NotifyTimeout bounds one announcement across all notification channels.
const NotifyTimeout = 5 * time.Second

// ErrInvalidMachine indicates an empty machine id.
var ErrInvalidMachine = errors.New("machine id is required")

// Store is the persistence the queue needs.
type Store interface {
	ClaimNextCommand(ctx context.Context, machineID string, window int) (*db.Command, error)
	ListCommands(ctx context.Context, machineID, status string, limit int) ([]db.Command, error)
}

type Queue struct {
	store    Store
	window   int
	notifier notify.Notifier
	logger   *zap.Logger
	inflight sync.WaitGroup
}

func NewQueue(store Store, window int, notifier notify.Notifier, logger *zap.Logger) *Queue {
	if window <= 0 {
		window = DefaultClaimWindow
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Queue{store: store, window: window, notifier: notifier, logger: logger}
}

// ClaimNext hands the oldest pending command of a machine to the caller and marks it
// CLAIMED. It returns nil, nil when the machine has nothing to do.
func (q *Queue) ClaimNext(ctx context.Context, machineID string) (*db.Command, error) {
	if machineID == "" {
		return nil, ErrInvalidMachine
	}

	cmd, err := q.store.ClaimNextCommand(ctx, machineID, q.window)
	if err != nil {
		return nil, err
	}
	metrics.RecordClaim(cmd != nil)

	if cmd == nil {
		q.logger.Debug("no command", zap.String("machine_id", machineID))
		return nil, nil
	}

	q.logger.Info("command claimed",
		zap.String("machine_id", machineID),
		zap.String("command_id", cmd.ID),
		zap.String("order_id", cmd.OrderID),
	)
	return cmd, nil
}

// List returns a machine's commands in queue order, optionally filtered by status.
func (q *Queue) List(ctx context.Context, machineID, status string, limit int) ([]db.Command, error) {
	if machineID == "" {
		return nil, ErrInvalidMachine
	}
	if limit <= 0 {
		limit = q.window
	}
	return q.store.ListCommands(ctx, machineID, status, limit)
}

// Announce notifies the command's machine that it has work. Must be called only after
// the enqueueing transaction committed. Delivery runs in the background, detached from
// ctx's cancellation and bounded by NotifyTimeout; failures are logged, never returned.
func (q *Queue) Announce(ctx context.Context, cmd *db.Command) {
	metrics.RecordCommandEnqueued(cmd.Type)

	ev := notify.CommandEvent{
		CommandID: cmd.ID,
		Type:      cmd.Type,
		OrderID:   cmd.OrderID,
		MachineID: cmd.MachineID,
		CreatedAt: cmd.CreatedAt,
	}

	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()

		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), NotifyTimeout)
		defer cancel()

		if err := q.notifier.NotifyCommand(notifyCtx, ev); err != nil {
			q.logger.Warn("command notification failed",
				zap.String("machine_id", ev.MachineID),
				zap.String("command_id", ev.CommandID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every announcement in flight has finished.
func (q *Queue) Wait() {
	q.inflight.Wait()
}
