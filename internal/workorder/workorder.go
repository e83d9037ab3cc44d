// Package workorder defines the work order model shared by the store, the
// engine, and the orchestrator.
package workorder

import (
	"time"
)

// Status is the lifecycle status of a work order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step names in pipeline order. The three AI steps carry the names of their
// step types; the git steps are fixed orchestrator behavior.
const (
	StepCreatingBranch = "creating_branch"
	StepPlanning       = "planning"
	StepExecuting      = "execute"
	StepReviewing      = "review"
	StepCommitting     = "committing"
	StepCreatingPR     = "creating_pr"
)

// WorkOrder is one end-to-end request to modify a repository via AI agents.
// Mutated only by the orchestrator; terminal once completed, failed, or
// cancelled.
type WorkOrder struct {
	ID           string    `json:"id"`
	Repository   string    `json:"repository"`
	UserRequest  string    `json:"user_request"`
	IssueNumber  int       `json:"issue_number,omitempty"`
	Status       Status    `json:"status"`
	Step         string    `json:"step,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	Commits      int       `json:"commits"`
	FilesChanged int       `json:"files_changed"`
	PullRequest  string    `json:"pull_request,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Request is a work order submission.
type Request struct {
	Repository  string `json:"repository"`
	UserRequest string `json:"user_request"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// Decision resolves a pause.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionCancel  Decision = "cancel"
)

// Valid reports whether d is one of the three known decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionRevise || d == DecisionCancel
}

// PauseState records a human-in-the-loop suspension. A work order has at
// most one unresolved pause at a time; resolving it is the only way
// execution resumes.
type PauseState struct {
	WorkOrderID string    `json:"work_order_id"`
	Step        string    `json:"step"`
	CreatedAt   time.Time `json:"created_at"`
	Resolved    bool      `json:"resolved"`
	Decision    Decision  `json:"decision,omitempty"`
	Feedback    string    `json:"feedback,omitempty"`
}
