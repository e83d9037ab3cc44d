package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// Codex wraps the Codex CLI. It runs `codex exec --json` (or
// `codex resume <thread> --json` when continuing a session) and parses the
// newline-delimited event stream.
type Codex struct {
	logger *zap.Logger
	pm     *ProcessManager
}

type codexLine struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Message  string `json:"message"`
	Path     string `json:"path"`
}

// codexParser tracks per-invocation state (the thread id arrives on an
// early event, the content on a late one).
type codexParser struct {
	logger    *zap.Logger
	req       Request
	provider  string
	threadID  string
	completed bool
}

// NewCodex creates the Codex adapter.
func NewCodex(logger *zap.Logger, pm *ProcessManager) *Codex {
	return &Codex{logger: logger.Named("codex"), pm: pm}
}

// Provider returns the provider name.
func (a *Codex) Provider() string { return "codex" }

// Stream launches the codex CLI and yields normalized events.
func (a *Codex) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	cmd := newCommand(ctx, "codex", a.buildArgs(req)...)
	cmd.Dir = req.WorkDir

	x, err := startCommand(cmd, a.pm, req.WorkOrder)
	if err != nil {
		return nil, err
	}

	p := &codexParser{logger: a.logger, req: req, provider: a.Provider(), threadID: req.SessionID}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)

		stderr, runErr := x.consume(func(line []byte) {
			if evt, ok := p.parseLine(line); ok {
				ch <- evt
			}
		})
		if runErr != nil && !p.completed {
			evt := event(req, KindErrorOccurred)
			evt.ErrorText = runErr.Error()
			if len(stderr) > 0 {
				evt.Metadata["stderr"] = string(stderr)
			}
			ch <- evt
		}
	}()
	return ch, nil
}

// buildArgs constructs the codex CLI arguments. A non-empty session id
// resumes the existing thread; otherwise a new exec thread starts.
func (a *Codex) buildArgs(req Request) []string {
	var args []string
	if req.SessionID != "" {
		args = []string{"resume", req.SessionID, req.Prompt, "--json"}
	} else {
		args = []string{"exec", req.Prompt, "--json"}
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

// parseLine normalizes one codex JSON event line. Malformed lines are
// skipped with a logged warning, never fatal.
func (p *codexParser) parseLine(line []byte) (Event, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Event{}, false
	}

	var cl codexLine
	if err := json.Unmarshal([]byte(trimmed), &cl); err != nil {
		p.logger.Warn("skipping malformed output line",
			zap.String("work_order", p.req.WorkOrder),
			zap.Error(err))
		return Event{}, false
	}

	switch cl.Type {
	case "ThreadStarted":
		p.threadID = cl.ThreadID
		evt := event(p.req, KindStepStarted)
		evt.Metadata[MetaProvider] = p.provider
		evt.Metadata[MetaSessionID] = p.threadID
		return evt, true

	case "ItemCompleted":
		if cl.Path == "" {
			return Event{}, false
		}
		evt := event(p.req, KindFileChanged)
		evt.FilePath = cl.Path
		return evt, true

	case "TurnCompleted":
		p.completed = true
		evt := event(p.req, KindStepCompleted)
		evt.Metadata[MetaResult] = cl.Content
		evt.Metadata[MetaSessionID] = p.threadID
		return evt, true

	case "Error":
		evt := event(p.req, KindErrorOccurred)
		evt.ErrorText = cl.Message
		return evt, true

	default:
		return Event{}, false
	}
}
