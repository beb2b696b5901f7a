package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/vendorder/internal/fsm"
	"github.com/google/uuid"
)

// CommandTypeVendOrder instructs a machine to dispense the items of an order.
const CommandTypeVendOrder = "VEND_ORDER"

var commandSM = fsm.NewCommandStateMachine()

// ErrCommandNotFound indicates command does not exist.
var ErrCommandNotFound = errors.New("command not found")

// ErrCommandExists indicates a command of the same type is already queued for the order.
var ErrCommandExists = errors.New("command already exists for order")

// Command is a unit of work queued for one machine. OrderID, MachineID and Items are a
// snapshot of the order taken at enqueue time.
type Command struct {
	Seq       int64
	ID        string
	Type      string
	OrderID   string
	MachineID string
	Items     []Item
	Status    string
	CreatedAt time.Time
	ClaimedAt sql.NullTime
}

const commandColumns = `seq, command_id, type, order_id, machine_id, items, status, created_at, claimed_at`

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var items, createdAt string
	var claimedAt sql.NullString
	err := row.Scan(&c.Seq, &c.ID, &c.Type, &c.OrderID, &c.MachineID, &items, &c.Status, &createdAt, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
		return nil, fmt.Errorf("decoding command items: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return nil, err
		}
		c.ClaimedAt = sql.NullTime{Time: t, Valid: true}
	}
	return &c, nil
}

func insertCommand(ctx context.Context, q querier, order *Order) (*Command, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, fmt.Errorf("encoding command items: %w", err)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO commands (command_id, type, order_id, machine_id, items, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, `+nowExpr+`)
		RETURNING `+commandColumns,
		uuid.NewString(), CommandTypeVendOrder, order.ID, order.MachineID, string(items), fsm.CommandStatePending)

	cmd, err := scanCommand(row)
	if isUniqueViolation(err) {
		return nil, ErrCommandExists
	}
	if err != nil {
		return nil, fmt.Errorf("enqueueing command: %w", err)
	}
	return cmd, nil
}

func getCommandForOrder(ctx context.Context, q querier, orderID, commandType string) (*Command, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+commandColumns+` FROM commands WHERE order_id = ? AND type = ?
	`, orderID, commandType)
	return scanCommand(row)
}

// ClaimNextCommand claims the oldest PENDING command among the first window pending
// commands of a machine. Each candidate is claimed with a conditional UPDATE, so of two
// concurrent claimers exactly one wins a given command; the loser moves on to the next
// candidate. Returns nil, nil when nothing could be claimed.
func (db *DB) ClaimNextCommand(ctx context.Context, machineID string, window int) (*Command, error) {
	candidates, err := db.ListCommands(ctx, machineID, fsm.CommandStatePending, window)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if !commandSM.CanClaim(c.Status) {
			continue
		}
		row := db.QueryRowContext(ctx, `
			UPDATE commands SET status = ?, claimed_at = `+nowExpr+`
			WHERE command_id = ? AND status = ?
			RETURNING `+commandColumns,
			fsm.CommandStateClaimed, c.ID, fsm.CommandStatePending)

		cmd, err := scanCommand(row)
		if errors.Is(err, ErrCommandNotFound) {
			// claimed concurrently
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claiming command: %w", err)
		}
		return cmd, nil
	}
	return nil, nil
}

// ListCommands returns a machine's commands in queue order. An empty status lists all.
func (db *DB) ListCommands(ctx context.Context, machineID, status string, limit int) ([]Command, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE machine_id = ? AND (? = '' OR status = ?)
		ORDER BY seq ASC LIMIT ?
	`, machineID, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var commands []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return commands, nil
}
