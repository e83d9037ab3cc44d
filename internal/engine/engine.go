// Package engine executes resolved workflow steps: it renders prompts,
// resolves CLI providers with fallback, invokes adapters, and aggregates
// multi-agent sub-step output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsforge/foreman/internal/adapter"
	"github.com/opsforge/foreman/internal/events"
	"github.com/opsforge/foreman/internal/templates"
)

// DefaultProvider is the final entry of every provider fallback chain.
const DefaultProvider = "claude"

// SubStepError marks a sub-step failure. Required failures halt the parent
// step; optional failures are recorded and execution continues.
type SubStepError struct {
	Name     string
	Required bool
	Err      error
}

func (e *SubStepError) Error() string {
	kind := "optional"
	if e.Required {
		kind = "required"
	}
	return fmt.Sprintf("%s sub-step %q failed: %v", kind, e.Name, e.Err)
}

func (e *SubStepError) Unwrap() error { return e.Err }

// SubStepResult is the outcome of one agent invocation within a step.
type SubStepResult struct {
	Name     string        `json:"name"`
	Agent    string        `json:"agent"`
	Provider string        `json:"provider,omitempty"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// StepResult is the outcome of one workflow step. For multi-agent steps
// Output is the aggregated text block that downstream steps see as
// previous_outputs.<step>.
type StepResult struct {
	Step     templates.StepType `json:"step"`
	Success  bool               `json:"success"`
	Output   string             `json:"output,omitempty"`
	SubSteps []SubStepResult    `json:"sub_steps,omitempty"`
	Duration time.Duration      `json:"duration"`
	Error    string             `json:"error,omitempty"`
}

// RunContext is the accumulating variable arena threaded through a work
// order's steps. It is copied on augmentation so sub-workflows stay
// composable; callers never see each other's additions.
type RunContext struct {
	WorkOrder  string
	WorkDir    string
	Repository *templates.RepositoryConfig
	Vars       map[string]string

	// Feedback from a revise decision. Appended to every rendered prompt
	// of the re-executed step, and exposed to templates as {{feedback}}.
	Feedback string
}

// NewRunContext builds the initial arena for a work order.
func NewRunContext(workOrder, workDir string, repo *templates.RepositoryConfig, userRequest string, issueNumber int) *RunContext {
	vars := map[string]string{
		"user_request": userRequest,
	}
	if issueNumber > 0 {
		vars["issue_number"] = strconv.Itoa(issueNumber)
	}
	return &RunContext{
		WorkOrder:  workOrder,
		WorkDir:    workDir,
		Repository: repo,
		Vars:       vars,
	}
}

// WithFeedback returns a copy of the context carrying revision feedback.
func (c *RunContext) WithFeedback(feedback string) *RunContext {
	out := c.WithVar("feedback", feedback)
	out.Feedback = feedback
	return out
}

// withFeedback appends revision feedback to a rendered prompt.
func withFeedback(prompt, feedback string) string {
	if feedback == "" {
		return prompt
	}
	return prompt + "\n\n## Revision feedback\n\n" + feedback
}

// WithVar returns a copy of the context with one variable added.
func (c *RunContext) WithVar(name, value string) *RunContext {
	out := *c
	out.Vars = make(map[string]string, len(c.Vars)+1)
	for k, v := range c.Vars {
		out.Vars[k] = v
	}
	out.Vars[name] = value
	return &out
}

// Executor runs workflow steps against the adapter factory.
type Executor struct {
	factory         adapter.Factory
	logger          *zap.Logger
	emit            func(events.Event)
	defaultTimeout  time.Duration
	defaultProvider string
}

// Config tunes an Executor.
type Config struct {
	// SubStepTimeout bounds each agent invocation unless the sub-step
	// overrides it. Zero means no timeout.
	SubStepTimeout time.Duration

	// DefaultProvider terminates the provider fallback chain. Empty means
	// DefaultProvider ("claude").
	DefaultProvider string
}

// NewExecutor creates an executor. emit receives sub-step lifecycle events
// and normalized CLI events; nil disables emission.
func NewExecutor(factory adapter.Factory, logger *zap.Logger, emit func(events.Event), cfg Config) *Executor {
	provider := cfg.DefaultProvider
	if provider == "" {
		provider = DefaultProvider
	}
	return &Executor{
		factory:         factory,
		logger:          logger.Named("engine"),
		emit:            emit,
		defaultTimeout:  cfg.SubStepTimeout,
		defaultProvider: provider,
	}
}

func (e *Executor) publish(evt events.Event) {
	if e.emit != nil {
		e.emit(evt)
	}
}

// ExecuteStep runs one resolved step template. Single-agent templates make
// exactly one adapter call; multi-agent templates run their sub-steps
// strictly in order, each seeing every prior sub-step's output.
func (e *Executor) ExecuteStep(ctx context.Context, stepType templates.StepType, tmpl *templates.StepTemplate, snap *templates.Snapshot, runCtx *RunContext) (*StepResult, error) {
	if tmpl.MultiAgent() {
		return e.executeMulti(ctx, stepType, tmpl, snap, runCtx)
	}
	return e.executeSingle(ctx, stepType, tmpl, snap, runCtx)
}

func (e *Executor) executeSingle(ctx context.Context, stepType templates.StepType, tmpl *templates.StepTemplate, snap *templates.Snapshot, runCtx *RunContext) (*StepResult, error) {
	start := time.Now()
	res := &StepResult{Step: stepType}

	prompt, err := templates.Render(tmpl.Prompt, runCtx.Vars)
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res, fmt.Errorf("rendering %s prompt: %w", stepType, err)
	}

	agent, err := snap.Agent(tmpl.Agent)
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res, err
	}

	out, _, err := e.invoke(ctx, runCtx, invocation{
		step:    string(stepType),
		prompt:  withFeedback(prompt, runCtx.Feedback),
		agent:   agent,
		timeout: e.defaultTimeout,
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	res.Output = out.Output
	return res, nil
}

func (e *Executor) executeMulti(ctx context.Context, stepType templates.StepType, tmpl *templates.StepTemplate, snap *templates.Snapshot, runCtx *RunContext) (*StepResult, error) {
	start := time.Now()
	res := &StepResult{Step: stepType}

	subs := make([]templates.SubStepConfig, len(tmpl.SubSteps))
	copy(subs, tmpl.SubSteps)
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Order < subs[j].Order })
	for i := 1; i < len(subs); i++ {
		if subs[i].Order == subs[i-1].Order {
			err := fmt.Errorf("step template %q: duplicate sub-step order %d", tmpl.Slug, subs[i].Order)
			res.Error = err.Error()
			res.Duration = time.Since(start)
			return res, err
		}
	}

	vars := runCtx
	for i, sub := range subs {
		subRes, err := e.executeSub(ctx, stepType, snap, vars, sub)
		res.SubSteps = append(res.SubSteps, *subRes)

		// Later sub-steps see this one's output, whatever it was.
		vars = vars.WithVar(fmt.Sprintf("sub_steps.%d.output", i), subRes.Output)

		if err != nil && sub.Required {
			res.Error = err.Error()
			res.Duration = time.Since(start)
			res.Output = aggregate(res.SubSteps, subs)
			return res, &SubStepError{Name: sub.Name, Required: true, Err: err}
		}
		if err != nil {
			e.logger.Warn("optional sub-step failed, continuing",
				zap.String("work_order", runCtx.WorkOrder),
				zap.String("step", string(stepType)),
				zap.String("sub_step", sub.Name),
				zap.Error(err))
		}
	}

	res.Success = true
	res.Output = aggregate(res.SubSteps, subs)
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Executor) executeSub(ctx context.Context, stepType templates.StepType, snap *templates.Snapshot, runCtx *RunContext, sub templates.SubStepConfig) (*SubStepResult, error) {
	start := time.Now()
	subRes := &SubStepResult{Name: sub.Name, Agent: sub.Agent}

	e.publish(events.SubStepStartedEvent{
		ID:        runCtx.WorkOrder,
		Step:      string(stepType),
		Name:      sub.Name,
		Agent:     sub.Agent,
		Timestamp: time.Now(),
	})

	finish := func(err error) error {
		subRes.Duration = time.Since(start)
		if err != nil {
			subRes.Error = err.Error()
		} else {
			subRes.Success = true
		}
		e.publish(events.SubStepCompletedEvent{
			ID:        runCtx.WorkOrder,
			Step:      string(stepType),
			Name:      sub.Name,
			Agent:     sub.Agent,
			Success:   subRes.Success,
			Error:     subRes.Error,
			Duration:  subRes.Duration,
			Timestamp: time.Now(),
		})
		return err
	}

	prompt, err := templates.Render(sub.Prompt, runCtx.Vars)
	if err != nil {
		return subRes, finish(fmt.Errorf("rendering sub-step %q: %w", sub.Name, err))
	}

	agent, err := snap.Agent(sub.Agent)
	if err != nil {
		return subRes, finish(err)
	}

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	out, provider, err := e.invoke(ctx, runCtx, invocation{
		step:    string(stepType),
		name:    sub.Name,
		prompt:  withFeedback(prompt, runCtx.Feedback),
		agent:   agent,
		timeout: timeout,
	})
	subRes.Provider = provider
	if err != nil {
		return subRes, finish(err)
	}

	subRes.Output = out.Output
	return subRes, finish(nil)
}

// aggregate joins executed sub-step outputs into one text block with a
// heading per sub-step in execution order.
func aggregate(results []SubStepResult, subs []templates.SubStepConfig) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %d. %s\n\n", subs[i].Order, r.Name)
		if r.Success {
			b.WriteString(r.Output)
		} else {
			fmt.Fprintf(&b, "(failed: %s)", r.Error)
		}
	}
	return b.String()
}

// invocation is one adapter call after templates are resolved. agent may be
// nil for the legacy path, which uses the chain's defaults only.
type invocation struct {
	step    string
	name    string
	prompt  string
	agent   *templates.AgentTemplate
	timeout time.Duration
}

// RunPrompt invokes the provider chain with an already-built prompt and no
// agent template. The legacy execution path uses this.
func (e *Executor) RunPrompt(ctx context.Context, runCtx *RunContext, step, prompt string) (*StepResult, error) {
	start := time.Now()
	res := &StepResult{Step: templates.StepType(step)}

	out, _, err := e.invoke(ctx, runCtx, invocation{
		step:    step,
		prompt:  withFeedback(prompt, runCtx.Feedback),
		timeout: e.defaultTimeout,
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	res.Output = out.Output
	return res, nil
}

// providerChain builds the fallback order: agent preference, then the
// repository preference, then the global default. Duplicates collapse.
func (e *Executor) providerChain(runCtx *RunContext, agent *templates.AgentTemplate) []string {
	var chain []string
	add := func(p string) {
		if p == "" {
			return
		}
		for _, existing := range chain {
			if existing == p {
				return
			}
		}
		chain = append(chain, p)
	}
	if agent != nil {
		add(agent.Provider)
	}
	if runCtx.Repository != nil {
		add(runCtx.Repository.PreferredProvider)
	}
	add(e.defaultProvider)
	return chain
}

// invoke walks the provider chain until an adapter runs. ErrCLINotAvailable
// advances the chain; any other error surfaces immediately.
func (e *Executor) invoke(ctx context.Context, runCtx *RunContext, inv invocation) (*adapter.Result, string, error) {
	chain := e.providerChain(runCtx, inv.agent)

	req := adapter.Request{
		WorkOrder: runCtx.WorkOrder,
		Prompt:    inv.prompt,
		WorkDir:   runCtx.WorkDir,
		Step:      inv.step,
	}
	if inv.agent != nil {
		req.Model = inv.agent.Model
		req.SystemPrompt = inv.agent.SystemPrompt
		req.Tools = inv.agent.Tools
	}

	var lastErr error
	for _, provider := range chain {
		a, err := e.factory.Get(provider, runCtx.WorkOrder)
		if err != nil {
			if errors.Is(err, adapter.ErrCLINotAvailable) {
				lastErr = err
				e.logger.Warn("provider unavailable, trying next",
					zap.String("work_order", runCtx.WorkOrder),
					zap.String("provider", provider))
				continue
			}
			return nil, provider, err
		}

		invokeCtx := ctx
		var cancel context.CancelFunc
		if inv.timeout > 0 {
			invokeCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		}

		out, err := e.stream(invokeCtx, a, req)
		timedOut := invokeCtx.Err() == context.DeadlineExceeded
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, adapter.ErrCLINotAvailable) {
				lastErr = err
				continue
			}
			if timedOut {
				return nil, provider, fmt.Errorf("%s timed out after %s", provider, inv.timeout)
			}
			return nil, provider, err
		}
		return out, provider, nil
	}

	if lastErr == nil {
		lastErr = adapter.ErrCLINotAvailable
	}
	return nil, "", fmt.Errorf("no provider available (tried %s): %w", strings.Join(chain, ", "), lastErr)
}

func (e *Executor) stream(ctx context.Context, a adapter.Adapter, req adapter.Request) (*adapter.Result, error) {
	stream, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return adapter.Collect(stream, func(evt adapter.Event) {
		e.publish(evt)
	})
}
