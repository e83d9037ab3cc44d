package adapter

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testCodexParser() *codexParser {
	return &codexParser{logger: zap.NewNop(), req: testRequest(), provider: "codex"}
}

// TestCodex_BuildArgs_Exec verifies first invocations use exec --json.
func TestCodex_BuildArgs_Exec(t *testing.T) {
	a := NewCodex(zap.NewNop(), nil)
	args := a.buildArgs(Request{Prompt: "fix the bug"})

	if args[0] != "exec" {
		t.Errorf("Expected exec subcommand, got %q", args[0])
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--json") {
		t.Errorf("Expected --json flag, got: %s", joined)
	}
}

// TestCodex_BuildArgs_Resume verifies continued sessions use resume.
func TestCodex_BuildArgs_Resume(t *testing.T) {
	a := NewCodex(zap.NewNop(), nil)
	args := a.buildArgs(Request{Prompt: "continue", SessionID: "thread-7"})

	if args[0] != "resume" || args[1] != "thread-7" {
		t.Errorf("Expected resume thread-7, got: %v", args)
	}
}

// TestCodexParser_ThreadLifecycle verifies the thread id from ThreadStarted
// is carried onto the TurnCompleted event.
func TestCodexParser_ThreadLifecycle(t *testing.T) {
	p := testCodexParser()

	evt, ok := p.parseLine([]byte(`{"type":"ThreadStarted","thread_id":"thread-42"}`))
	if !ok || evt.Kind != KindStepStarted {
		t.Fatalf("Expected step_started, got %v (ok=%v)", evt.Kind, ok)
	}
	if evt.Metadata[MetaSessionID] != "thread-42" {
		t.Errorf("Expected thread id metadata, got %q", evt.Metadata[MetaSessionID])
	}

	evt, ok = p.parseLine([]byte(`{"type":"TurnCompleted","content":"patch applied"}`))
	if !ok || evt.Kind != KindStepCompleted {
		t.Fatalf("Expected step_completed, got %v (ok=%v)", evt.Kind, ok)
	}
	if evt.Metadata[MetaResult] != "patch applied" {
		t.Errorf("Expected content as result, got %q", evt.Metadata[MetaResult])
	}
	if evt.Metadata[MetaSessionID] != "thread-42" {
		t.Errorf("Expected thread id carried to completion, got %q", evt.Metadata[MetaSessionID])
	}
	if !p.completed {
		t.Error("Expected parser to record completion")
	}
}

// TestCodexParser_FileChange verifies ItemCompleted with a path maps to
// file_changed.
func TestCodexParser_FileChange(t *testing.T) {
	p := testCodexParser()

	evt, ok := p.parseLine([]byte(`{"type":"ItemCompleted","path":"cmd/main.go"}`))
	if !ok || evt.Kind != KindFileChanged {
		t.Fatalf("Expected file_changed, got %v (ok=%v)", evt.Kind, ok)
	}
	if evt.FilePath != "cmd/main.go" {
		t.Errorf("Expected file path, got %q", evt.FilePath)
	}

	if _, ok := p.parseLine([]byte(`{"type":"ItemCompleted"}`)); ok {
		t.Error("Expected no event for pathless ItemCompleted")
	}
}

// TestCodexParser_Error verifies Error events map to error_occurred.
func TestCodexParser_Error(t *testing.T) {
	p := testCodexParser()

	evt, ok := p.parseLine([]byte(`{"type":"Error","message":"rate limited"}`))
	if !ok || evt.Kind != KindErrorOccurred {
		t.Fatalf("Expected error_occurred, got %v (ok=%v)", evt.Kind, ok)
	}
	if evt.ErrorText != "rate limited" {
		t.Errorf("Expected error text, got %q", evt.ErrorText)
	}
}

// TestCodexParser_MalformedAndUnknownSkipped verifies garbage and unknown
// event types are skipped.
func TestCodexParser_MalformedAndUnknownSkipped(t *testing.T) {
	p := testCodexParser()

	for _, line := range []string{"", "garbage", `{"type":"SomethingNew"}`} {
		if _, ok := p.parseLine([]byte(line)); ok {
			t.Errorf("Expected line %q to be skipped", line)
		}
	}
}
