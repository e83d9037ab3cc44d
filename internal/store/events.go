package store

import (
	"context"
	"fmt"
)

// AppendEvent appends one event to a work order's log. The log is
// append-only; seq is assigned by SQLite and preserves publish order within
// one work order.
func (s *SQLiteStore) AppendEvent(ctx context.Context, workOrderID, eventType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_order_events (work_order_id, event_type, payload)
		VALUES (?, ?, ?)
	`, workOrderID, eventType, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventsAfter returns a work order's events with seq greater than after, in
// seq order. Pass 0 for the full backlog.
func (s *SQLiteStore) EventsAfter(ctx context.Context, workOrderID string, after int64) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, work_order_id, event_type, payload, timestamp
		FROM work_order_events
		WHERE work_order_id = ? AND seq > ?
		ORDER BY seq
	`, workOrderID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.Seq, &evt.WorkOrderID, &evt.EventType, &payload, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Payload = []byte(payload)
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
