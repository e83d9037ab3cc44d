package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Claude wraps the Claude Code CLI. It runs `claude -p` with
// `--output-format stream-json` and parses the newline-delimited event
// stream incrementally.
type Claude struct {
	logger *zap.Logger
	pm     *ProcessManager
}

// claudeLine is the envelope shared by all stream-json lines.
type claudeLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			Name  string `json:"name"`
			Input struct {
				FilePath string `json:"file_path"`
			} `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

// fileWritingTools are the Claude Code tools whose invocation means a file
// in the working tree changed.
var fileWritingTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// NewClaude creates the Claude Code adapter.
func NewClaude(logger *zap.Logger, pm *ProcessManager) *Claude {
	return &Claude{logger: logger.Named("claude"), pm: pm}
}

// Provider returns the provider name.
func (a *Claude) Provider() string { return "claude" }

// Stream launches the claude CLI and yields normalized events. A non-empty
// req.SessionID resumes the prior session (--resume); otherwise a fresh
// session id is generated (--session-id).
func (a *Claude) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	sessionID := req.SessionID
	resume := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cmd := newCommand(ctx, "claude", a.buildArgs(req, sessionID, resume)...)
	cmd.Dir = req.WorkDir

	x, err := startCommand(cmd, a.pm, req.WorkOrder)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)

		started := event(req, KindStepStarted)
		started.Metadata[MetaProvider] = a.Provider()
		started.Metadata[MetaSessionID] = sessionID
		ch <- started

		completed := false
		stderr, runErr := x.consume(func(line []byte) {
			if evt, ok := a.parseLine(req, line); ok {
				if evt.Kind == KindStepCompleted {
					completed = true
				}
				ch <- evt
			}
		})
		if runErr != nil && !completed {
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

// buildArgs constructs the claude CLI arguments. The first invocation of a
// session uses --session-id, later ones --resume.
func (a *Claude) buildArgs(req Request, sessionID string, resume bool) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if len(req.Tools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.Tools, ","))
	}
	return args
}

// parseLine normalizes one stream-json line. Malformed lines are skipped
// with a logged warning, never fatal.
func (a *Claude) parseLine(req Request, line []byte) (Event, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Event{}, false
	}

	var cl claudeLine
	if err := json.Unmarshal([]byte(trimmed), &cl); err != nil {
		a.logger.Warn("skipping malformed output line",
			zap.String("work_order", req.WorkOrder),
			zap.Error(err))
		return Event{}, false
	}

	switch cl.Type {
	case "assistant":
		for _, part := range cl.Message.Content {
			if part.Type == "tool_use" && fileWritingTools[part.Name] && part.Input.FilePath != "" {
				evt := event(req, KindFileChanged)
				evt.FilePath = part.Input.FilePath
				evt.Metadata["tool"] = part.Name
				return evt, true
			}
		}
		return Event{}, false

	case "result":
		if cl.IsError {
			evt := event(req, KindErrorOccurred)
			evt.ErrorText = cl.Result
			evt.Metadata[MetaSessionID] = cl.SessionID
			return evt, true
		}
		evt := event(req, KindStepCompleted)
		evt.Metadata[MetaResult] = cl.Result
		evt.Metadata[MetaSessionID] = cl.SessionID
		evt.Timestamp = time.Now()
		return evt, true

	default:
		// system/init and other bookkeeping lines carry nothing we need.
		return Event{}, false
	}
}
