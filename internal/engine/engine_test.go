package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsforge/foreman/internal/adapter"
	"github.com/opsforge/foreman/internal/events"
	"github.com/opsforge/foreman/internal/templates"
)

// fakeAdapter replays a scripted response and records every request.
type fakeAdapter struct {
	provider string
	output   string
	fail     string // non-empty emits error_occurred instead of completing
	block    bool   // hold the stream open until ctx is done
	requests []adapter.Request
}

func (f *fakeAdapter) Provider() string { return f.provider }

func (f *fakeAdapter) Stream(ctx context.Context, req adapter.Request) (<-chan adapter.Event, error) {
	f.requests = append(f.requests, req)
	ch := make(chan adapter.Event, 4)

	if f.block {
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	ch <- adapter.Event{WorkOrder: req.WorkOrder, Kind: adapter.KindStepStarted, Step: req.Step, Metadata: map[string]string{}}
	if f.fail != "" {
		ch <- adapter.Event{WorkOrder: req.WorkOrder, Kind: adapter.KindErrorOccurred, Step: req.Step, ErrorText: f.fail, Metadata: map[string]string{}}
	} else {
		ch <- adapter.Event{
			WorkOrder: req.WorkOrder,
			Kind:      adapter.KindStepCompleted,
			Step:      req.Step,
			Metadata:  map[string]string{adapter.MetaResult: f.output},
		}
	}
	close(ch)
	return ch, nil
}

// fakeFactory serves adapters by provider name; missing names report the
// binary as unavailable.
type fakeFactory struct {
	adapters map[string]*fakeAdapter
	gets     []string
}

func (f *fakeFactory) Get(provider, workOrder string) (adapter.Adapter, error) {
	f.gets = append(f.gets, provider)
	a, ok := f.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", provider, adapter.ErrCLINotAvailable)
	}
	return a, nil
}

func testSnapshot(agents ...*templates.AgentTemplate) *templates.Snapshot {
	snap := &templates.Snapshot{Agents: make(map[string]*templates.AgentTemplate)}
	for _, a := range agents {
		snap.Agents[a.Slug] = a
	}
	return snap
}

func testRunContext() *RunContext {
	return NewRunContext("wo-1", "/tmp/work", &templates.RepositoryConfig{Repository: "acme/widgets"}, "add caching", 7)
}

func newTestExecutor(f adapter.Factory, emit func(events.Event)) *Executor {
	return NewExecutor(f, zap.NewNop(), emit, Config{})
}

func TestExecuteStepSingleAgentMakesOneCall(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "the plan"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{Slug: "plan", Agent: "planner", Prompt: "Plan: {{user_request}}"}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "planner", Provider: "claude", Model: "opus"})

	res, err := exec.ExecuteStep(context.Background(), templates.StepPlanning, tmpl, snap, testRunContext())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "the plan", res.Output)
	assert.Empty(t, res.SubSteps)
	require.Len(t, claude.requests, 1)
	assert.Equal(t, "Plan: add caching", claude.requests[0].Prompt)
	assert.Equal(t, "opus", claude.requests[0].Model)
}

func TestExecuteStepRenderFailureListsMissingVariables(t *testing.T) {
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{Slug: "plan", Agent: "planner", Prompt: "{{user_request}} {{previous_outputs.review}}"}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "planner"})

	_, err := exec.ExecuteStep(context.Background(), templates.StepPlanning, tmpl, snap, testRunContext())
	var renderErr *templates.RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, []string{"previous_outputs.review"}, renderErr.Missing)
	assert.Empty(t, factory.gets, "no adapter call may happen when rendering fails")
}

func TestExecuteStepMultiAgentThreadsPriorOutputs(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "step output"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{
		Slug: "deep-review",
		SubSteps: []templates.SubStepConfig{
			{Order: 1, Name: "Security", Agent: "sec", Prompt: "Check {{user_request}}", Required: true},
			{Order: 2, Name: "Style", Agent: "style", Prompt: "Prior: {{sub_steps.0.output}}", Required: true},
			{Order: 3, Name: "Summary", Agent: "sum", Prompt: "A: {{sub_steps.0.output}} B: {{sub_steps.1.output}}", Required: true},
		},
	}
	snap := testSnapshot(
		&templates.AgentTemplate{Slug: "sec"},
		&templates.AgentTemplate{Slug: "style"},
		&templates.AgentTemplate{Slug: "sum"},
	)

	res, err := exec.ExecuteStep(context.Background(), templates.StepReview, tmpl, snap, testRunContext())
	require.NoError(t, err)

	require.Len(t, claude.requests, 3)
	assert.Contains(t, claude.requests[1].Prompt, "step output")
	assert.Contains(t, claude.requests[2].Prompt, "A: step output B: step output")
	assert.True(t, res.Success)
	require.Len(t, res.SubSteps, 3)
}

func TestExecuteStepRequiredSubStepFailureHalts(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", fail: "model refused"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{
		Slug: "two-phase",
		SubSteps: []templates.SubStepConfig{
			{Order: 1, Name: "First", Agent: "a", Prompt: "go", Required: true},
			{Order: 2, Name: "Second", Agent: "a", Prompt: "go", Required: true},
		},
	}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "a"})

	res, err := exec.ExecuteStep(context.Background(), templates.StepExecute, tmpl, snap, testRunContext())
	var subErr *SubStepError
	require.ErrorAs(t, err, &subErr)
	assert.True(t, subErr.Required)
	assert.Equal(t, "First", subErr.Name)

	assert.False(t, res.Success)
	require.Len(t, res.SubSteps, 1, "no sub-step after the required failure may run")
	require.Len(t, claude.requests, 1)
}

func TestExecuteStepOptionalSubStepFailureContinues(t *testing.T) {
	flaky := &fakeAdapter{provider: "gemini", fail: "quota exceeded"}
	claude := &fakeAdapter{provider: "claude", output: "done"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"gemini": flaky, "claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{
		Slug: "lenient",
		SubSteps: []templates.SubStepConfig{
			{Order: 1, Name: "Nice-to-have", Agent: "extra", Prompt: "go", Required: false},
			{Order: 2, Name: "Main", Agent: "core", Prompt: "go", Required: true},
		},
	}
	snap := testSnapshot(
		&templates.AgentTemplate{Slug: "extra", Provider: "gemini"},
		&templates.AgentTemplate{Slug: "core", Provider: "claude"},
	)

	res, err := exec.ExecuteStep(context.Background(), templates.StepExecute, tmpl, snap, testRunContext())
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.Len(t, res.SubSteps, 2)
	assert.False(t, res.SubSteps[0].Success)
	assert.True(t, res.SubSteps[1].Success)
}

func TestExecuteStepAggregatesWithOrderedHeadings(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "body"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{
		Slug: "review",
		SubSteps: []templates.SubStepConfig{
			{Order: 2, Name: "Style", Agent: "a", Prompt: "go", Required: true},
			{Order: 1, Name: "Security", Agent: "a", Prompt: "go", Required: true},
		},
	}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "a"})

	res, err := exec.ExecuteStep(context.Background(), templates.StepReview, tmpl, snap, testRunContext())
	require.NoError(t, err)

	first := strings.Index(res.Output, "## 1. Security")
	second := strings.Index(res.Output, "## 2. Style")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first, "headings must appear in execution order")
}

func TestExecuteStepRejectsDuplicateSubStepOrders(t *testing.T) {
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{
		Slug: "broken",
		SubSteps: []templates.SubStepConfig{
			{Order: 1, Name: "A", Agent: "a", Prompt: "go"},
			{Order: 1, Name: "B", Agent: "a", Prompt: "go"},
		},
	}

	_, err := exec.ExecuteStep(context.Background(), templates.StepExecute, tmpl, testSnapshot(), testRunContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sub-step order")
	assert.Empty(t, factory.gets)
}

func TestProviderFallbackChainOrder(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "ok"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{Slug: "plan", Agent: "planner", Prompt: "go"}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "planner", Provider: "codex"})

	runCtx := testRunContext()
	runCtx.Repository.PreferredProvider = "gemini"

	res, err := exec.ExecuteStep(context.Background(), templates.StepPlanning, tmpl, snap, runCtx)
	require.NoError(t, err)

	assert.Equal(t, []string{"codex", "gemini", "claude"}, factory.gets)
	assert.True(t, res.Success)
}

func TestProviderFallbackExhaustedSurfacesError(t *testing.T) {
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{Slug: "plan", Agent: "planner", Prompt: "go"}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "planner", Provider: "codex"})

	_, err := exec.ExecuteStep(context.Background(), templates.StepPlanning, tmpl, snap, testRunContext())
	require.ErrorIs(t, err, adapter.ErrCLINotAvailable)
	assert.Equal(t, []string{"codex", "claude"}, factory.gets)
}

func TestSubStepTimeoutIsAFailure(t *testing.T) {
	slow := &fakeAdapter{provider: "claude", block: true}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": slow}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{
		Slug: "slow",
		SubSteps: []templates.SubStepConfig{
			{Order: 1, Name: "Stuck", Agent: "a", Prompt: "go", Required: true, Timeout: 20 * time.Millisecond},
		},
	}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "a"})

	res, err := exec.ExecuteStep(context.Background(), templates.StepExecute, tmpl, snap, testRunContext())
	var subErr *SubStepError
	require.ErrorAs(t, err, &subErr)
	assert.Contains(t, subErr.Err.Error(), "timed out")
	assert.False(t, res.Success)
}

func TestExecuteStepEmitsSubStepLifecycleEvents(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "ok"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}

	var emitted []events.Event
	exec := newTestExecutor(factory, func(evt events.Event) { emitted = append(emitted, evt) })

	tmpl := &templates.StepTemplate{
		Slug: "one-sub",
		SubSteps: []templates.SubStepConfig{
			{Order: 1, Name: "Only", Agent: "a", Prompt: "go", Required: true},
		},
	}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "a"})

	_, err := exec.ExecuteStep(context.Background(), templates.StepExecute, tmpl, snap, testRunContext())
	require.NoError(t, err)

	var types []string
	for _, evt := range emitted {
		types = append(types, evt.EventType())
	}
	assert.Contains(t, types, events.EventTypeSubStepStarted)
	assert.Contains(t, types, events.EventTypeSubStepCompleted)
	assert.Contains(t, types, "cli.step_completed", "normalized CLI events are forwarded")
}

func TestFeedbackAppendedToRenderedPrompt(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "revised"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	tmpl := &templates.StepTemplate{Slug: "plan", Agent: "planner", Prompt: "Plan: {{user_request}}"}
	snap := testSnapshot(&templates.AgentTemplate{Slug: "planner"})

	runCtx := testRunContext().WithFeedback("split it into two phases")
	_, err := exec.ExecuteStep(context.Background(), templates.StepPlanning, tmpl, snap, runCtx)
	require.NoError(t, err)

	require.Len(t, claude.requests, 1)
	assert.Contains(t, claude.requests[0].Prompt, "Plan: add caching")
	assert.Contains(t, claude.requests[0].Prompt, "## Revision feedback")
	assert.Contains(t, claude.requests[0].Prompt, "split it into two phases")
}

func TestRunPromptUsesDefaultProvider(t *testing.T) {
	claude := &fakeAdapter{provider: "claude", output: "legacy result"}
	factory := &fakeFactory{adapters: map[string]*fakeAdapter{"claude": claude}}
	exec := newTestExecutor(factory, nil)

	res, err := exec.RunPrompt(context.Background(), testRunContext(), "planning", "fixed prompt")
	require.NoError(t, err)

	assert.Equal(t, "legacy result", res.Output)
	require.Len(t, claude.requests, 1)
	assert.Equal(t, "fixed prompt", claude.requests[0].Prompt)
	assert.Equal(t, []string{"claude"}, factory.gets)
}
