package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		user_request TEXT NOT NULL,
		issue_number INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		step TEXT,
		branch TEXT,
		commits INTEGER NOT NULL DEFAULT 0,
		files_changed INTEGER NOT NULL DEFAULT 0,
		pull_request TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pause_states (
		work_order_id TEXT PRIMARY KEY,
		step TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		decision TEXT,
		feedback TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (work_order_id) REFERENCES work_orders(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pause_states_resolved ON pause_states(resolved);

	CREATE TABLE IF NOT EXISTS work_order_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		work_order_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (work_order_id) REFERENCES work_orders(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_work_order_events_order_seq
		ON work_order_events(work_order_id, seq);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
