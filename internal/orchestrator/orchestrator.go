// Package orchestrator drives work orders through the fixed pipeline:
// branch creation, the AI steps of the resolved execution plan, commit, and
// pull request, with human-in-the-loop pauses where configured.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/opsforge/foreman/internal/adapter"
	"github.com/opsforge/foreman/internal/engine"
	"github.com/opsforge/foreman/internal/events"
	"github.com/opsforge/foreman/internal/gitops"
	"github.com/opsforge/foreman/internal/pause"
	"github.com/opsforge/foreman/internal/store"
	"github.com/opsforge/foreman/internal/templates"
	"github.com/opsforge/foreman/internal/workorder"
)

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrent   int
	StepTimeout     time.Duration
	SubStepTimeout  time.Duration
	DefaultProvider string
}

// Orchestrator owns the work order state machine. Each submitted work order
// runs on its own goroutine, bounded by a weighted semaphore.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	bus      *events.Bus
	pauses   *pause.Controller
	git      gitops.Client
	resolver *templates.Resolver
	engine   *engine.Executor
	pm       *adapter.ProcessManager
	logger   *zap.Logger
	sem      *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the orchestrator. The engine executor is built here so that its
// events flow through the orchestrator's sink.
func New(cfg Config, st store.Store, bus *events.Bus, pauses *pause.Controller, git gitops.Client, resolver *templates.Resolver, factory adapter.Factory, pm *adapter.ProcessManager, logger *zap.Logger) *Orchestrator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		pauses:   pauses,
		git:      git,
		resolver: resolver,
		pm:       pm,
		logger:   logger.Named("orchestrator"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cancels:  make(map[string]context.CancelFunc),
	}
	o.engine = engine.NewExecutor(factory, logger, o.emit, engine.Config{
		SubStepTimeout:  cfg.SubStepTimeout,
		DefaultProvider: cfg.DefaultProvider,
	})
	return o
}

// emit publishes an event to the bus and appends it to the persisted event
// log. All of a work order's events pass through here, from its single run
// goroutine, which preserves their order.
func (o *Orchestrator) emit(evt events.Event) {
	o.bus.Publish(events.WorkOrderTopic(evt.WorkOrderID()), evt)

	payload, err := json.Marshal(evt)
	if err != nil {
		o.logger.Error("failed to marshal event", zap.String("type", evt.EventType()), zap.Error(err))
		payload = nil
	}
	if err := o.store.AppendEvent(context.Background(), evt.WorkOrderID(), evt.EventType(), payload); err != nil {
		o.logger.Error("failed to persist event",
			zap.String("work_order", evt.WorkOrderID()),
			zap.String("type", evt.EventType()),
			zap.Error(err))
	}
}

// Submit creates a work order and launches its run goroutine. The template
// snapshot is taken here: catalog edits after submission never affect this
// work order.
func (o *Orchestrator) Submit(ctx context.Context, req workorder.Request) (string, error) {
	if req.Repository == "" {
		return "", fmt.Errorf("repository is required")
	}
	if req.UserRequest == "" {
		return "", fmt.Errorf("user_request is required")
	}

	snap, err := o.resolver.Snapshot(req.Repository)
	if err != nil {
		return "", fmt.Errorf("resolving templates: %w", err)
	}
	plan, err := buildPlan(snap)
	if err != nil {
		return "", err
	}

	wo := &workorder.WorkOrder{
		ID:          uuid.NewString(),
		Repository:  req.Repository,
		UserRequest: req.UserRequest,
		IssueNumber: req.IssueNumber,
		Status:      workorder.StatusPending,
	}
	if err := o.store.SaveWorkOrder(ctx, wo); err != nil {
		return "", fmt.Errorf("persisting work order: %w", err)
	}

	// The run outlives the submission request.
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[wo.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.dropCancel(wo.ID)
		o.run(runCtx, wo, plan)
	}()

	o.logger.Info("work order submitted",
		zap.String("work_order", wo.ID),
		zap.String("repository", wo.Repository),
		zap.Bool("template_mode", plan.templateMode))
	return wo.ID, nil
}

// Status returns the current work order record.
func (o *Orchestrator) Status(ctx context.Context, id string) (*workorder.WorkOrder, error) {
	return o.store.GetWorkOrder(ctx, id)
}

// Resume resolves a work order's open pause.
func (o *Orchestrator) Resume(ctx context.Context, id string, decision workorder.Decision, feedback string) error {
	return o.pauses.Resume(ctx, id, decision, feedback)
}

// Cancel terminates a work order: its open pause (if any) is resolved as
// cancel, its run context is cancelled, and its subprocesses are killed.
// Partial git state is left in place for inspection.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	wo, err := o.store.GetWorkOrder(ctx, id)
	if err != nil {
		return err
	}
	if wo.Status.Terminal() {
		return fmt.Errorf("work order %s is already %s", id, wo.Status)
	}

	if err := o.pauses.Resume(ctx, id, workorder.DecisionCancel, "cancelled by user"); err != nil && !errors.Is(err, pause.ErrNoOpenPause) {
		o.logger.Warn("failed to resolve pause during cancel", zap.String("work_order", id), zap.Error(err))
	}

	o.mu.Lock()
	cancel, running := o.cancels[id]
	o.mu.Unlock()

	if running {
		cancel()
		o.pm.Terminate(id)
		return nil
	}

	// No run goroutine (e.g. after a restart): finalize directly.
	wo.Status = workorder.StatusCancelled
	o.save(wo)
	o.emitStatus(wo)
	return nil
}

// Shutdown cancels every running work order and waits for their goroutines.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.pm.KillAll()
	o.wg.Wait()
}

func (o *Orchestrator) dropCancel(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// run executes the full pipeline for one work order.
func (o *Orchestrator) run(ctx context.Context, wo *workorder.WorkOrder, plan *executionPlan) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finalize(wo, workorder.StatusCancelled, "")
		return
	}
	defer o.sem.Release(1)

	logger := o.logger.With(zap.String("work_order", wo.ID))
	wo.Status = workorder.StatusRunning
	o.save(wo)
	o.emitStatus(wo)

	// creating_branch
	o.setStep(wo, workorder.StepCreatingBranch)
	wt, err := o.git.CreateBranch(ctx, wo.Repository, wo.ID)
	if err != nil {
		if ctx.Err() != nil {
			o.finalize(wo, workorder.StatusCancelled, "")
			return
		}
		o.fail(wo, fmt.Errorf("creating branch: %w", err))
		return
	}
	wo.Branch = wt.Branch
	o.save(wo)

	runCtx := engine.NewRunContext(wo.ID, wt.Path, plan.snapshot.Repository, wo.UserRequest, wo.IssueNumber)
	outputs := make(map[templates.StepType]string)

	for _, step := range plan.steps {
		next, proceed, err := o.runStep(ctx, wo, plan, step, runCtx, outputs, logger)
		if err != nil {
			o.fail(wo, err)
			return
		}
		runCtx = next
		if !proceed {
			// Cancelled via pause decision or context.
			o.finalize(wo, workorder.StatusCancelled, "")
			return
		}
	}

	// committing
	o.setStep(wo, workorder.StepCommitting)
	commit, err := o.git.CommitChanges(ctx, runCtx.WorkDir, commitMessage(wo))
	if err != nil {
		if ctx.Err() != nil {
			o.finalize(wo, workorder.StatusCancelled, "")
			return
		}
		o.fail(wo, fmt.Errorf("committing changes: %w", err))
		return
	}
	wo.Commits = commit.Commits
	wo.FilesChanged = commit.FilesChanged
	o.save(wo)

	// creating_pr
	o.setStep(wo, workorder.StepCreatingPR)
	url, err := o.git.CreatePullRequest(ctx, wo.Repository, wo.Branch, prTitle(wo), prBody(wo, outputs))
	if err != nil {
		if ctx.Err() != nil {
			o.finalize(wo, workorder.StatusCancelled, "")
			return
		}
		o.fail(wo, fmt.Errorf("creating pull request: %w", err))
		return
	}
	wo.PullRequest = url

	o.finalize(wo, workorder.StatusCompleted, "")
	logger.Info("work order completed", zap.String("pull_request", url))
}

// runStep executes one AI step, including the revise loop around its pause
// gate. Returns the augmented run context; proceed=false means the work
// order was cancelled.
func (o *Orchestrator) runStep(ctx context.Context, wo *workorder.WorkOrder, plan *executionPlan, step planStep, runCtx *engine.RunContext, outputs map[templates.StepType]string, logger *zap.Logger) (next *engine.RunContext, proceed bool, err error) {
	stepName := string(step.Type)

	for {
		if ctx.Err() != nil {
			return runCtx, false, nil
		}

		o.setStep(wo, stepName)
		o.emit(events.StepStartedEvent{ID: wo.ID, Step: stepName, Timestamp: time.Now()})

		stepCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		}

		var res *engine.StepResult
		var execErr error
		if step.Template != nil {
			res, execErr = o.engine.ExecuteStep(stepCtx, step.Type, step.Template, plan.snapshot, runCtx)
		} else {
			prompt := legacyPrompt(step.Type, wo.UserRequest, outputs)
			res, execErr = o.engine.RunPrompt(stepCtx, runCtx, stepName, prompt)
		}
		if cancel != nil {
			cancel()
		}

		evt := events.StepCompletedEvent{ID: wo.ID, Step: stepName, Timestamp: time.Now()}
		if res != nil {
			evt.Success = res.Success
			evt.Error = res.Error
			evt.Duration = res.Duration
		}
		o.emit(evt)

		if execErr != nil {
			if ctx.Err() != nil {
				return runCtx, false, nil
			}
			if step.Required {
				return runCtx, false, fmt.Errorf("step %s failed: %w", stepName, execErr)
			}
			logger.Warn("optional step failed, continuing",
				zap.String("step", stepName), zap.Error(execErr))
			return runCtx, true, nil
		}

		outputs[step.Type] = res.Output
		runCtx = runCtx.WithVar("previous_outputs."+stepName, res.Output)
		if runCtx.Feedback != "" {
			// Feedback applies only to the step it revised.
			runCtx = runCtx.WithFeedback("")
		}

		if !step.PauseAfter {
			return runCtx, true, nil
		}

		wo.Status = workorder.StatusPaused
		o.save(wo)
		o.emitStatus(wo)
		o.emit(events.PausedEvent{ID: wo.ID, Step: stepName, Timestamp: time.Now()})

		resolution, waitErr := o.pauses.Wait(ctx, wo.ID, stepName)
		if waitErr != nil {
			// Pause timeout and context cancellation both cancel the
			// work order.
			if errors.Is(waitErr, pause.ErrPauseTimeout) {
				logger.Warn("pause timed out", zap.String("step", stepName))
			}
			return runCtx, false, nil
		}

		o.emit(events.ResumedEvent{
			ID:        wo.ID,
			Step:      stepName,
			Decision:  string(resolution.Decision),
			Feedback:  resolution.Feedback,
			Timestamp: time.Now(),
		})

		switch resolution.Decision {
		case workorder.DecisionCancel:
			return runCtx, false, nil
		case workorder.DecisionRevise:
			wo.Status = workorder.StatusRunning
			o.save(wo)
			o.emitStatus(wo)
			runCtx = runCtx.WithFeedback(resolution.Feedback)
			continue
		default: // approve
			wo.Status = workorder.StatusRunning
			o.save(wo)
			o.emitStatus(wo)
			return runCtx, true, nil
		}
	}
}

func (o *Orchestrator) setStep(wo *workorder.WorkOrder, step string) {
	wo.Step = step
	o.save(wo)
	o.emitStatus(wo)
}

func (o *Orchestrator) fail(wo *workorder.WorkOrder, err error) {
	o.logger.Error("work order failed", zap.String("work_order", wo.ID), zap.Error(err))
	o.finalize(wo, workorder.StatusFailed, err.Error())
}

func (o *Orchestrator) finalize(wo *workorder.WorkOrder, status workorder.Status, errMsg string) {
	wo.Status = status
	wo.Error = errMsg
	o.save(wo)
	o.emitStatus(wo)
}

// save persists with a background context so terminal states survive run
// context cancellation.
func (o *Orchestrator) save(wo *workorder.WorkOrder) {
	if err := o.store.SaveWorkOrder(context.Background(), wo); err != nil {
		o.logger.Error("failed to persist work order",
			zap.String("work_order", wo.ID), zap.Error(err))
	}
}

func (o *Orchestrator) emitStatus(wo *workorder.WorkOrder) {
	o.emit(events.StatusChangedEvent{
		ID:        wo.ID,
		Status:    string(wo.Status),
		Step:      wo.Step,
		Error:     wo.Error,
		Timestamp: time.Now(),
	})
}

func commitMessage(wo *workorder.WorkOrder) string {
	return fmt.Sprintf("%s\n\nWork order: %s", truncate(wo.UserRequest, 72), wo.ID)
}

func prTitle(wo *workorder.WorkOrder) string {
	return truncate(wo.UserRequest, 72)
}

func prBody(wo *workorder.WorkOrder, outputs map[templates.StepType]string) string {
	body := fmt.Sprintf("Automated change for work order `%s`.\n\n## Request\n\n%s\n", wo.ID, wo.UserRequest)
	if wo.IssueNumber > 0 {
		body += fmt.Sprintf("\nCloses #%d\n", wo.IssueNumber)
	}
	if plan := outputs[templates.StepPlanning]; plan != "" {
		body += "\n## Plan\n\n" + plan + "\n"
	}
	if review := outputs[templates.StepReview]; review != "" {
		body += "\n## Review\n\n" + review + "\n"
	}
	return body
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
