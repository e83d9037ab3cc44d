package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsforge/foreman/internal/workorder"
)

// SaveWorkOrder inserts or updates a work order. Uses ON CONFLICT to make
// saves idempotent; the orchestrator calls this on every state transition.
func (s *SQLiteStore) SaveWorkOrder(ctx context.Context, wo *workorder.WorkOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_orders (id, repository, user_request, issue_number, status, step, branch, commits, files_changed, pull_request, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			repository = excluded.repository,
			user_request = excluded.user_request,
			issue_number = excluded.issue_number,
			status = excluded.status,
			step = excluded.step,
			branch = excluded.branch,
			commits = excluded.commits,
			files_changed = excluded.files_changed,
			pull_request = excluded.pull_request,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, wo.ID, wo.Repository, wo.UserRequest, wo.IssueNumber, string(wo.Status), wo.Step, wo.Branch, wo.Commits, wo.FilesChanged, wo.PullRequest, wo.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert work order: %w", err)
	}
	return nil
}

// GetWorkOrder retrieves a work order by id.
func (s *SQLiteStore) GetWorkOrder(ctx context.Context, id string) (*workorder.WorkOrder, error) {
	wo := &workorder.WorkOrder{}
	var status string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository, user_request, issue_number, status, step, branch, commits, files_changed, pull_request, error, created_at, updated_at
		FROM work_orders
		WHERE id = ?
	`, id).Scan(&wo.ID, &wo.Repository, &wo.UserRequest, &wo.IssueNumber, &status, &wo.Step, &wo.Branch, &wo.Commits, &wo.FilesChanged, &wo.PullRequest, &wo.Error, &wo.CreatedAt, &wo.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("work order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query work order: %w", err)
	}

	wo.Status = workorder.Status(status)
	return wo, nil
}

// ListWorkOrders returns all work orders ordered by creation time.
func (s *SQLiteStore) ListWorkOrders(ctx context.Context) ([]*workorder.WorkOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository, user_request, issue_number, status, step, branch, commits, files_changed, pull_request, error, created_at, updated_at
		FROM work_orders
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query work orders: %w", err)
	}
	defer rows.Close()

	var orders []*workorder.WorkOrder
	for rows.Next() {
		wo := &workorder.WorkOrder{}
		var status string
		if err := rows.Scan(&wo.ID, &wo.Repository, &wo.UserRequest, &wo.IssueNumber, &status, &wo.Step, &wo.Branch, &wo.Commits, &wo.FilesChanged, &wo.PullRequest, &wo.Error, &wo.CreatedAt, &wo.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan work order: %w", err)
		}
		wo.Status = workorder.Status(status)
		orders = append(orders, wo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work orders: %w", err)
	}

	return orders, nil
}
