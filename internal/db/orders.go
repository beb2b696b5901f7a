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

var orderSM = fsm.NewOrderStateMachine()

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrInvalidStateTransition indicates an invalid order state transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid order state transition")

// Item is one slot of an order.
type Item struct {
	SlotID string `json:"slot_id"`
	Qty    int    `json:"qty"`
}

// NewOrder carries the caller-supplied fields of an order.
type NewOrder struct {
	MachineID   string
	Items       []Item
	AmountCents int64
}

// Order represents a vending order.
type Order struct {
	ID              string
	MachineID       string
	Items           []Item
	AmountCents     int64
	Status          string
	PaymentIntentID sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Authorization is the outcome of authorizing an order: the order as stored and the
// vend command bound to it. Enqueued is false when the command already existed.
type Authorization struct {
	Order    *Order
	Command  *Command
	Enqueued bool
}

const orderColumns = `order_id, machine_id, items, amount_cents, status, stripe_payment_intent_id, created_at, updated_at`

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var items, createdAt, updatedAt string
	err := row.Scan(&o.ID, &o.MachineID, &items, &o.AmountCents, &o.Status, &o.PaymentIntentID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decoding order items: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder stores a new order in CREATED status. The id and both timestamps are
// assigned here; created_at and updated_at come from the same store clock reading.
func (db *DB) CreateOrder(ctx context.Context, o NewOrder) (*Order, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, fmt.Errorf("encoding order items: %w", err)
	}

	row := db.QueryRowContext(ctx, `
		INSERT INTO orders (order_id, machine_id, items, amount_cents, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, `+nowExpr+`, `+nowExpr+`)
		RETURNING `+orderColumns,
		uuid.NewString(), o.MachineID, string(items), o.AmountCents, fsm.OrderStateCreated)

	order, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}
	return order, nil
}

// GetOrder returns an order by ID.
func (db *DB) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return getOrder(ctx, db.DB, orderID)
}

func getOrder(ctx context.Context, q querier, orderID string) (*Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	return scanOrder(row)
}

// AuthorizeOrder moves an order to AUTHORIZED and makes sure exactly one vend command
// exists for it, in a single transaction. Authorizing an AUTHORIZED order is accepted:
// it returns the command already queued, or enqueues one if a previous attempt left
// none behind.
func (db *DB) AuthorizeOrder(ctx context.Context, orderID string) (*Authorization, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	next, err := orderSM.Transition(ctx, order.Status, fsm.OrderEventAuthorize)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot authorize order in %s state", ErrInvalidStateTransition, order.Status)
	}
	if order.MachineID == "" {
		return nil, fmt.Errorf("%w: order has no machine", ErrInvalidStateTransition)
	}

	if next != order.Status {
		row := tx.QueryRowContext(ctx, `
			UPDATE orders SET status = ?, updated_at = `+nowExpr+`
			WHERE order_id = ? AND status = ?
			RETURNING `+orderColumns,
			next, orderID, order.Status)
		order, err = scanOrder(row)
		if errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: order state changed concurrently", ErrInvalidStateTransition)
		}
		if err != nil {
			return nil, fmt.Errorf("authorizing order: %w", err)
		}
	}

	enqueued := false
	cmd, err := getCommandForOrder(ctx, tx, orderID, CommandTypeVendOrder)
	if errors.Is(err, ErrCommandNotFound) {
		cmd, err = insertCommand(ctx, tx, order)
		enqueued = true
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &Authorization{Order: order, Command: cmd, Enqueued: enqueued}, nil
}

// MarkPaymentStarted records the payment intent of an order and moves it to
// PAYMENT_STARTED. Re-entry is accepted only with the intent already recorded, so an
// order never switches intents. Uses FSM validation and an atomic WHERE clause.
func (db *DB) MarkPaymentStarted(ctx context.Context, orderID, intentID string) (*Order, error) {
	order, err := db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !orderSM.CanTransition(order.Status, fsm.OrderEventStartPayment) {
		return nil, fmt.Errorf("%w: cannot start payment for order in %s state", ErrInvalidStateTransition, order.Status)
	}

	row := db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = ?, stripe_payment_intent_id = ?, updated_at = `+nowExpr+`
		WHERE order_id = ?
		  AND (status = ? OR (status = ? AND stripe_payment_intent_id = ?))
		RETURNING `+orderColumns,
		fsm.OrderStatePaymentStarted, intentID, orderID,
		fsm.OrderStateCreated, fsm.OrderStatePaymentStarted, intentID)

	updated, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: order state or payment intent changed concurrently", ErrInvalidStateTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("recording payment intent: %w", err)
	}
	return updated, nil
}
