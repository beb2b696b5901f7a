package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrMachineNotFound indicates machine does not exist.
var ErrMachineNotFound = errors.New("machine not found")

// Machine is a vending machine and the payment reader attached to it.
type Machine struct {
	ID        string
	ReaderID  string
	CreatedAt time.Time
}

// HasReader reports whether a payment reader is attached.
func (m *Machine) HasReader() bool {
	return m.ReaderID != ""
}

// GetMachine returns a machine by ID.
func (db *DB) GetMachine(ctx context.Context, machineID string) (*Machine, error) {
	var m Machine
	var createdAt string
	err := db.QueryRowContext(ctx, `
		SELECT machine_id, reader_id, created_at FROM machines WHERE machine_id = ?
	`, machineID).Scan(&m.ID, &m.ReaderID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying machine: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMachine creates a machine or replaces its reader.
func (db *DB) UpsertMachine(ctx context.Context, machineID, readerID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO machines (machine_id, reader_id)
		VALUES (?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET reader_id = excluded.reader_id
	`, machineID, readerID)
	if err != nil {
		return fmt.Errorf("upserting machine: %w", err)
	}
	return nil
}
