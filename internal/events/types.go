package events

import (
	"time"
)

// Event is the base interface for all events on the bus.
type Event interface {
	EventType() string
	WorkOrderID() string
}

// TopicWorkOrder carries every work order's events. Per-work-order topics
// are derived with WorkOrderTopic.
const TopicWorkOrder = "workorder"

// WorkOrderTopic returns the topic carrying one work order's events.
func WorkOrderTopic(id string) string {
	return TopicWorkOrder + "." + id
}

// Event type constants for lifecycle events. Adapter CLI events carry their
// own "cli."-prefixed types.
const (
	EventTypeStatusChanged    = "workorder.status"
	EventTypeStepStarted      = "step.started"
	EventTypeStepCompleted    = "step.completed"
	EventTypeSubStepStarted   = "substep.started"
	EventTypeSubStepCompleted = "substep.completed"
	EventTypePaused           = "workorder.paused"
	EventTypeResumed          = "workorder.resumed"
)

// StatusChangedEvent is published whenever a work order's status changes.
type StatusChangedEvent struct {
	ID        string
	Status    string
	Step      string
	Error     string
	Timestamp time.Time
}

func (e StatusChangedEvent) EventType() string   { return EventTypeStatusChanged }
func (e StatusChangedEvent) WorkOrderID() string { return e.ID }

// StepStartedEvent is published when a workflow step begins.
type StepStartedEvent struct {
	ID        string
	Step      string
	Timestamp time.Time
}

func (e StepStartedEvent) EventType() string   { return EventTypeStepStarted }
func (e StepStartedEvent) WorkOrderID() string { return e.ID }

// StepCompletedEvent is published when a workflow step finishes.
type StepCompletedEvent struct {
	ID        string
	Step      string
	Success   bool
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e StepCompletedEvent) EventType() string   { return EventTypeStepCompleted }
func (e StepCompletedEvent) WorkOrderID() string { return e.ID }

// SubStepStartedEvent is published when one agent invocation within a
// multi-agent step begins.
type SubStepStartedEvent struct {
	ID        string
	Step      string
	Name      string
	Agent     string
	Timestamp time.Time
}

func (e SubStepStartedEvent) EventType() string   { return EventTypeSubStepStarted }
func (e SubStepStartedEvent) WorkOrderID() string { return e.ID }

// SubStepCompletedEvent is published when an agent invocation finishes.
type SubStepCompletedEvent struct {
	ID        string
	Step      string
	Name      string
	Agent     string
	Success   bool
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e SubStepCompletedEvent) EventType() string   { return EventTypeSubStepCompleted }
func (e SubStepCompletedEvent) WorkOrderID() string { return e.ID }

// PausedEvent is published when execution suspends awaiting a decision.
type PausedEvent struct {
	ID        string
	Step      string
	Timestamp time.Time
}

func (e PausedEvent) EventType() string   { return EventTypePaused }
func (e PausedEvent) WorkOrderID() string { return e.ID }

// ResumedEvent is published when a pause is resolved.
type ResumedEvent struct {
	ID        string
	Step      string
	Decision  string
	Feedback  string
	Timestamp time.Time
}

func (e ResumedEvent) EventType() string   { return EventTypeResumed }
func (e ResumedEvent) WorkOrderID() string { return e.ID }
