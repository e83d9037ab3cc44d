package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsforge/foreman/internal/workorder"
)

// SavePauseState records an unresolved pause. A work order has at most one
// pause row; creating a new one replaces the previous (resolved) row.
func (s *SQLiteStore) SavePauseState(ctx context.Context, ps *workorder.PauseState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pause_states (work_order_id, step, resolved, decision, feedback, created_at)
		VALUES (?, ?, 0, '', '', CURRENT_TIMESTAMP)
		ON CONFLICT(work_order_id) DO UPDATE SET
			step = excluded.step,
			resolved = 0,
			decision = '',
			feedback = '',
			created_at = CURRENT_TIMESTAMP
	`, ps.WorkOrderID, ps.Step)
	if err != nil {
		return fmt.Errorf("failed to save pause state: %w", err)
	}
	return nil
}

// ResolvePauseState marks the open pause for a work order as resolved with
// the given decision. Returns ErrNotFound if no unresolved pause exists.
func (s *SQLiteStore) ResolvePauseState(ctx context.Context, workOrderID string, decision workorder.Decision, feedback string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pause_states
		SET resolved = 1, decision = ?, feedback = ?
		WHERE work_order_id = ? AND resolved = 0
	`, string(decision), feedback, workOrderID)
	if err != nil {
		return fmt.Errorf("failed to resolve pause state: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("open pause for work order %s: %w", workOrderID, ErrNotFound)
	}
	return nil
}

// GetPauseState retrieves the pause state for a work order, resolved or not.
func (s *SQLiteStore) GetPauseState(ctx context.Context, workOrderID string) (*workorder.PauseState, error) {
	ps := &workorder.PauseState{}
	var decision string

	err := s.db.QueryRowContext(ctx, `
		SELECT work_order_id, step, resolved, decision, feedback, created_at
		FROM pause_states
		WHERE work_order_id = ?
	`, workOrderID).Scan(&ps.WorkOrderID, &ps.Step, &ps.Resolved, &decision, &ps.Feedback, &ps.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pause state for work order %s: %w", workOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pause state: %w", err)
	}

	ps.Decision = workorder.Decision(decision)
	return ps, nil
}

// OpenPauseStates returns all unresolved pauses, oldest first. Used by the
// pause controller's timeout sweep and by startup rehydration.
func (s *SQLiteStore) OpenPauseStates(ctx context.Context) ([]*workorder.PauseState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT work_order_id, step, resolved, decision, feedback, created_at
		FROM pause_states
		WHERE resolved = 0
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open pause states: %w", err)
	}
	defer rows.Close()

	var states []*workorder.PauseState
	for rows.Next() {
		ps := &workorder.PauseState{}
		var decision string
		if err := rows.Scan(&ps.WorkOrderID, &ps.Step, &ps.Resolved, &decision, &ps.Feedback, &ps.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pause state: %w", err)
		}
		ps.Decision = workorder.Decision(decision)
		states = append(states, ps)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pause states: %w", err)
	}

	return states, nil
}
