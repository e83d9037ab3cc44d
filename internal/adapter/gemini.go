package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// Gemini wraps the Gemini CLI. Its JSON output is less rigidly specified
// than the others, so parsing tries a single JSON document first and falls
// back to treating stdout as plain text.
type Gemini struct {
	logger *zap.Logger
	pm     *ProcessManager
}

type geminiResponse struct {
	Response string `json:"response"`
}

// NewGemini creates the Gemini adapter.
func NewGemini(logger *zap.Logger, pm *ProcessManager) *Gemini {
	return &Gemini{logger: logger.Named("gemini"), pm: pm}
}

// Provider returns the provider name.
func (a *Gemini) Provider() string { return "gemini" }

// Stream launches the gemini CLI and yields normalized events.
func (a *Gemini) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	cmd := newCommand(ctx, "gemini", a.buildArgs(req)...)
	cmd.Dir = req.WorkDir

	x, err := startCommand(cmd, a.pm, req.WorkOrder)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)

		started := event(req, KindStepStarted)
		started.Metadata[MetaProvider] = a.Provider()
		ch <- started

		var stdout bytes.Buffer
		stderr, runErr := x.consume(func(line []byte) {
			stdout.Write(line)
			stdout.WriteByte('\n')
		})
		if runErr != nil {
			evt := event(req, KindErrorOccurred)
			evt.ErrorText = runErr.Error()
			if len(stderr) > 0 {
				evt.Metadata["stderr"] = string(stderr)
			}
			ch <- evt
			return
		}

		evt := event(req, KindStepCompleted)
		evt.Metadata[MetaResult] = a.parseOutput(req, stdout.Bytes())
		ch <- evt
	}()
	return ch, nil
}

func (a *Gemini) buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

// parseOutput extracts the response text. Falls back to raw stdout when the
// output is not the documented JSON shape.
func (a *Gemini) parseOutput(req Request, out []byte) string {
	var resp geminiResponse
	if err := json.Unmarshal(out, &resp); err == nil && resp.Response != "" {
		return resp.Response
	}
	a.logger.Warn("gemini output was not JSON, using raw text",
		zap.String("work_order", req.WorkOrder))
	return strings.TrimSpace(string(out))
}
