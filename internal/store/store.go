// Package store persists work orders, pause states, and the per-work-order
// event log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opsforge/foreman/internal/workorder"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// StoredEvent is one row of a work order's append-only event log. Seq is
// assigned on insert and strictly increases within one work order.
type StoredEvent struct {
	Seq         int64
	WorkOrderID string
	EventType   string
	Payload     []byte
	Timestamp   time.Time
}

// Store defines the persistence interface for work orders, pause states,
// and the event log.
type Store interface {
	// Work orders
	SaveWorkOrder(ctx context.Context, wo *workorder.WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error)
	ListWorkOrders(ctx context.Context) ([]*workorder.WorkOrder, error)

	// Pause states
	SavePauseState(ctx context.Context, ps *workorder.PauseState) error
	ResolvePauseState(ctx context.Context, workOrderID string, decision workorder.Decision, feedback string) error
	GetPauseState(ctx context.Context, workOrderID string) (*workorder.PauseState, error)
	OpenPauseStates(ctx context.Context) ([]*workorder.PauseState, error)

	// Event log
	AppendEvent(ctx context.Context, workOrderID, eventType string, payload []byte) error
	EventsAfter(ctx context.Context, workOrderID string, after int64) ([]StoredEvent, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite does not honor _foreign_keys in the connection
	// string; it is enabled via PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Uses a
// shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one spare for overlapping reads.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
