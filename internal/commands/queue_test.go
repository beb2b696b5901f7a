package commands

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/fsm"
	"github.com/buildtall-systems/vendorder/internal/notify"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	database := &db.DB{DB: sqlDB}
	if err := database.Migrate(); err != nil {
		_ = sqlDB.Close()
		t.Fatalf("migrating test db: %v", err)
	}

	t.Cleanup(func() { _ = database.Close() })

	return database
}

func authorize(t *testing.T, database *db.DB, machineID string) *db.Command {
	t.Helper()
	ctx := context.Background()

	order, err := database.CreateOrder(ctx, db.NewOrder{
		MachineID:   machineID,
		Items:       []db.Item{{SlotID: "A1", Qty: 1}},
		AmountCents: 250,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	auth, err := database.AuthorizeOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("AuthorizeOrder: %v", err)
	}
	return auth.Command
}

type recordingNotifier struct {
	events []notify.CommandEvent
	err    error
}

func (r *recordingNotifier) NotifyCommand(_ context.Context, ev notify.CommandEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestClaimNext(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	q := NewQueue(database, 0, nil, zaptest.NewLogger(t))

	want := authorize(t, database, "M1")

	cmd, err := q.ClaimNext(ctx, "M1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if cmd == nil || cmd.ID != want.ID {
		t.Fatalf("claimed %+v, want %s", cmd, want.ID)
	}
	if cmd.Status != fsm.CommandStateClaimed {
		t.Errorf("status = %s, want %s", cmd.Status, fsm.CommandStateClaimed)
	}

	cmd, err = q.ClaimNext(ctx, "M1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if cmd != nil {
		t.Errorf("expected NO_COMMAND, got %+v", cmd)
	}
}

func TestClaimNextEmptyMachine(t *testing.T) {
	q := NewQueue(setupTestDB(t), 0, nil, zaptest.NewLogger(t))

	_, err := q.ClaimNext(context.Background(), "")
	if !errors.Is(err, ErrInvalidMachine) {
		t.Errorf("expected ErrInvalidMachine, got %v", err)
	}
}

func TestClaimWindow(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	q := NewQueue(database, 1, nil, zaptest.NewLogger(t))

	first := authorize(t, database, "M1")
	second := authorize(t, database, "M1")

	for _, want := range []*db.Command{first, second} {
		cmd, err := q.ClaimNext(ctx, "M1")
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if cmd == nil || cmd.ID != want.ID {
			t.Fatalf("claimed %+v, want %s", cmd, want.ID)
		}
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	q := NewQueue(database, 0, nil, zaptest.NewLogger(t))

	authorize(t, database, "M1")
	authorize(t, database, "M1")
	if _, err := q.ClaimNext(ctx, "M1"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	tests := []struct {
		status string
		want   int
	}{
		{"", 2},
		{fsm.CommandStatePending, 1},
		{fsm.CommandStateClaimed, 1},
	}
	for _, tt := range tests {
		cmds, err := q.List(ctx, "M1", tt.status, 0)
		if err != nil {
			t.Fatalf("List(%q): %v", tt.status, err)
		}
		if len(cmds) != tt.want {
			t.Errorf("List(%q) = %d commands, want %d", tt.status, len(cmds), tt.want)
		}
	}
}

func TestAnnounce(t *testing.T) {
	database := setupTestDB(t)
	n := &recordingNotifier{err: errors.New("relay down")}
	q := NewQueue(database, 0, n, zaptest.NewLogger(t))

	cmd := authorize(t, database, "M1")
	q.Announce(context.Background(), cmd)
	q.Wait()

	if len(n.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(n.events))
	}
	ev := n.events[0]
	if ev.CommandID != cmd.ID || ev.MachineID != "M1" || ev.OrderID != cmd.OrderID {
		t.Errorf("event = %+v", ev)
	}
}

// blockingNotifier holds each delivery until released and records the context state
// it was handed.
type blockingNotifier struct {
	release chan struct{}
	ctxErr  error
	hasDL   bool
}

func (b *blockingNotifier) NotifyCommand(ctx context.Context, _ notify.CommandEvent) error {
	<-b.release
	b.ctxErr = ctx.Err()
	_, b.hasDL = ctx.Deadline()
	return nil
}

func TestAnnounceDetachedFromRequest(t *testing.T) {
	database := setupTestDB(t)
	n := &blockingNotifier{release: make(chan struct{})}
	q := NewQueue(database, 0, n, zaptest.NewLogger(t))
	cmd := authorize(t, database, "M1")

	reqCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Announce(reqCtx, cmd)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Announce blocked on a slow notifier")
	}

	// request finished; delivery must not see the cancellation
	cancel()
	close(n.release)
	q.Wait()

	if n.ctxErr != nil {
		t.Errorf("notifier context err = %v, want nil", n.ctxErr)
	}
	if !n.hasDL {
		t.Error("notifier context has no deadline")
	}
}
