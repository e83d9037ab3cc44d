// Package adapter wraps external AI coding CLIs (claude, gemini, codex) as
// subprocesses and normalizes their heterogeneous output formats into one
// event model. Adding a provider means implementing Adapter and registering
// a constructor; nothing upstream changes.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a normalized CLI event.
type Kind string

const (
	KindStepStarted   Kind = "step_started"
	KindStepCompleted Kind = "step_completed"
	KindFileChanged   Kind = "file_changed"
	KindErrorOccurred Kind = "error_occurred"
)

// Metadata keys used by all adapters.
const (
	MetaResult    = "result"
	MetaSessionID = "session_id"
	MetaProvider  = "provider"
)

// Event is the only shape any adapter may emit, regardless of source CLI.
type Event struct {
	WorkOrder string
	Kind      Kind
	Step      string
	FilePath  string
	ErrorText string
	Metadata  map[string]string
	Timestamp time.Time
}

// EventType implements the event bus contract.
func (e Event) EventType() string { return "cli." + string(e.Kind) }

// WorkOrderID implements the event bus contract.
func (e Event) WorkOrderID() string { return e.WorkOrder }

// Request describes one CLI invocation.
type Request struct {
	WorkOrder    string
	Prompt       string
	WorkDir      string
	SessionID    string // non-empty resumes a prior session
	Model        string
	SystemPrompt string
	Tools        []string
	Step         string // step name stamped onto emitted events
}

// Result is the aggregate outcome of one CLI invocation.
type Result struct {
	Output    string
	SessionID string
	Files     []string
}

// Adapter executes one external AI CLI and yields a normalized event stream.
// The returned channel is closed when the subprocess exits; a start error
// means no process was launched.
type Adapter interface {
	Provider() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Sentinel errors for the factory and fallback chain.
var (
	// ErrUnsupportedProvider means no adapter is registered for the name.
	// This is a configuration error, fatal to the step.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrCLINotAvailable means the provider is known but cannot be invoked
	// right now (binary missing or circuit open). Callers advance the
	// provider fallback chain on this error.
	ErrCLINotAvailable = errors.New("cli not available")
)

// Collect drains an event stream into a Result, forwarding every event to
// sink (if non-nil) as it arrives. A stream that ends with error_occurred
// and no step_completed fails; a stream with neither fails too.
func Collect(events <-chan Event, sink func(Event)) (*Result, error) {
	res := &Result{}
	completed := false
	errText := ""

	for evt := range events {
		if sink != nil {
			sink(evt)
		}
		switch evt.Kind {
		case KindStepCompleted:
			completed = true
			res.Output = evt.Metadata[MetaResult]
			if sid := evt.Metadata[MetaSessionID]; sid != "" {
				res.SessionID = sid
			}
		case KindFileChanged:
			res.Files = append(res.Files, evt.FilePath)
		case KindErrorOccurred:
			errText = evt.ErrorText
		case KindStepStarted:
			if sid := evt.Metadata[MetaSessionID]; sid != "" {
				res.SessionID = sid
			}
		}
	}

	if errText != "" && !completed {
		return res, fmt.Errorf("cli execution failed: %s", errText)
	}
	if !completed {
		return res, fmt.Errorf("cli exited without a result")
	}
	return res, nil
}

func event(req Request, kind Kind) Event {
	return Event{
		WorkOrder: req.WorkOrder,
		Kind:      kind,
		Step:      req.Step,
		Timestamp: time.Now(),
		Metadata:  map[string]string{},
	}
}
