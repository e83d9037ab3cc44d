// Package pause implements human-in-the-loop suspension: a persisted pause
// record plus an in-memory gate the orchestrator blocks on until an external
// approve/revise/cancel decision arrives.
package pause

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsforge/foreman/internal/store"
	"github.com/opsforge/foreman/internal/workorder"
)

// ErrPauseTimeout is delivered to a waiter whose pause went unresolved for
// longer than the configured timeout. The sweep auto-cancels such pauses.
var ErrPauseTimeout = errors.New("pause timed out")

// ErrNoOpenPause is returned by Resume when the work order has no
// unresolved pause.
var ErrNoOpenPause = errors.New("no open pause")

// Resolution is the outcome delivered through a gate.
type Resolution struct {
	Decision workorder.Decision
	Feedback string
}

// Config tunes the controller.
type Config struct {
	// Timeout auto-cancels pauses unresolved for this long. Default 24h.
	Timeout time.Duration

	// SweepInterval is how often the timeout sweep runs. Default 1m.
	SweepInterval time.Duration
}

type gate struct {
	ch chan result
}

type result struct {
	res Resolution
	err error
}

// Controller persists pause states and suspends callers on per-work-order
// gates. No lock is held while a caller is suspended; other work orders and
// the resume call itself proceed freely.
type Controller struct {
	store   store.Store
	logger  *zap.Logger
	timeout time.Duration
	sweep   time.Duration

	mu    sync.Mutex
	gates map[string]*gate

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewController creates a pause controller over the store.
func NewController(st store.Store, logger *zap.Logger, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Controller{
		store:   st,
		logger:  logger.Named("pause"),
		timeout: cfg.Timeout,
		sweep:   cfg.SweepInterval,
		gates:   make(map[string]*gate),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Wait persists a pause for the work order and blocks until an external
// decision, a timeout auto-cancel, or context cancellation. The returned
// Resolution is only meaningful when err is nil.
func (c *Controller) Wait(ctx context.Context, workOrderID, step string) (Resolution, error) {
	// The gate must exist before the pause row is resolvable: a resume
	// arriving right after the row is written would otherwise find no
	// waiter and the resolution would be dropped.
	g := c.openGate(workOrderID)

	ps := &workorder.PauseState{WorkOrderID: workOrderID, Step: step}
	if err := c.store.SavePauseState(ctx, ps); err != nil {
		c.closeGate(workOrderID)
		return Resolution{}, fmt.Errorf("persisting pause: %w", err)
	}

	select {
	case r := <-g.ch:
		return r.res, r.err
	case <-ctx.Done():
		c.closeGate(workOrderID)
		return Resolution{}, ctx.Err()
	}
}

// Resume resolves the work order's open pause and unblocks its waiter.
func (c *Controller) Resume(ctx context.Context, workOrderID string, decision workorder.Decision, feedback string) error {
	if !decision.Valid() {
		return fmt.Errorf("invalid decision %q", decision)
	}

	if err := c.store.ResolvePauseState(ctx, workOrderID, decision, feedback); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("work order %s: %w", workOrderID, ErrNoOpenPause)
		}
		return err
	}

	c.deliver(workOrderID, result{res: Resolution{Decision: decision, Feedback: feedback}})
	return nil
}

// Rehydrate recreates gates for every unresolved persisted pause, so that
// resume calls and the timeout sweep keep working after a restart.
func (c *Controller) Rehydrate(ctx context.Context) error {
	open, err := c.store.OpenPauseStates(ctx)
	if err != nil {
		return fmt.Errorf("loading open pauses: %w", err)
	}
	for _, ps := range open {
		c.openGate(ps.WorkOrderID)
		c.logger.Info("rehydrated pause gate",
			zap.String("work_order", ps.WorkOrderID),
			zap.String("step", ps.Step))
	}
	return nil
}

// Start launches the timeout sweep goroutine.
func (c *Controller) Start(ctx context.Context) {
	go c.runSweep(ctx)
}

// Stop terminates the sweep and waits for it to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Controller) runSweep(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		}
	}
}

// sweepExpired auto-cancels every pause older than the timeout.
func (c *Controller) sweepExpired(ctx context.Context) {
	open, err := c.store.OpenPauseStates(ctx)
	if err != nil {
		c.logger.Error("pause sweep failed to list open pauses", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-c.timeout)
	for _, ps := range open {
		if ps.CreatedAt.After(cutoff) {
			continue
		}
		c.logger.Warn("auto-cancelling expired pause",
			zap.String("work_order", ps.WorkOrderID),
			zap.String("step", ps.Step),
			zap.Time("created_at", ps.CreatedAt))

		if err := c.store.ResolvePauseState(ctx, ps.WorkOrderID, workorder.DecisionCancel, "pause timed out"); err != nil {
			c.logger.Error("failed to auto-cancel pause",
				zap.String("work_order", ps.WorkOrderID), zap.Error(err))
			continue
		}
		c.deliver(ps.WorkOrderID, result{err: ErrPauseTimeout})
	}
}

// openGate returns the work order's gate, creating it if needed. The gate
// channel is buffered so delivery never blocks the resolver.
func (c *Controller) openGate(workOrderID string) *gate {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.gates[workOrderID]; ok {
		return g
	}
	g := &gate{ch: make(chan result, 1)}
	c.gates[workOrderID] = g
	return g
}

func (c *Controller) closeGate(workOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gates, workOrderID)
}

func (c *Controller) deliver(workOrderID string, r result) {
	c.mu.Lock()
	g, ok := c.gates[workOrderID]
	if ok {
		delete(c.gates, workOrderID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	select {
	case g.ch <- r:
	default:
	}
}
