package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Factory hands out adapters by provider name.
type Factory interface {
	Get(provider, workOrder string) (Adapter, error)
}

// Constructor builds an adapter instance.
type Constructor func(logger *zap.Logger, pm *ProcessManager) Adapter

type registryEntry struct {
	binary string
	ctor   Constructor
}

// Registry is the provider registry: a closed Adapter interface plus a map
// from provider name to constructor, so new providers are added without
// touching the orchestrator. Each provider gets a circuit breaker; an open
// circuit reports the provider as unavailable, which feeds the caller's
// fallback chain.
type Registry struct {
	mu       sync.Mutex
	logger   *zap.Logger
	pm       *ProcessManager
	entries  map[string]registryEntry
	breakers map[string]*gobreaker.CircuitBreaker

	// lookPath is swappable for tests.
	lookPath func(string) (string, error)
}

// NewRegistry creates a registry with the built-in providers registered.
func NewRegistry(logger *zap.Logger, pm *ProcessManager) *Registry {
	r := &Registry{
		logger:   logger.Named("adapter"),
		pm:       pm,
		entries:  make(map[string]registryEntry),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lookPath: exec.LookPath,
	}
	r.Register("claude", "claude", func(l *zap.Logger, pm *ProcessManager) Adapter { return NewClaude(l, pm) })
	r.Register("gemini", "gemini", func(l *zap.Logger, pm *ProcessManager) Adapter { return NewGemini(l, pm) })
	r.Register("codex", "codex", func(l *zap.Logger, pm *ProcessManager) Adapter { return NewCodex(l, pm) })
	return r
}

// Register adds a provider. binary is the executable checked for
// availability at Get time.
func (r *Registry) Register(name, binary string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registryEntry{binary: binary, ctor: ctor}
}

// Get returns the adapter for the provider. An unregistered name is
// ErrUnsupportedProvider; a registered provider whose binary is missing or
// whose circuit is open is ErrCLINotAvailable.
func (r *Registry) Get(provider, workOrder string) (Adapter, error) {
	r.mu.Lock()
	entry, ok := r.entries[provider]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrUnsupportedProvider)
	}

	cb := r.breaker(provider)
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("provider %q circuit open: %w", provider, ErrCLINotAvailable)
	}

	if _, err := r.lookPath(entry.binary); err != nil {
		return nil, fmt.Errorf("provider %q binary %q not found: %w", provider, entry.binary, ErrCLINotAvailable)
	}

	inner := entry.ctor(r.logger.With(zap.String("work_order", workOrder)), r.pm)
	return &guarded{inner: inner, cb: cb}, nil
}

// breaker returns (creating if needed) the circuit breaker for a provider.
func (r *Registry) breaker(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("provider circuit state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a provider failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[provider] = cb
	return cb
}

// guarded runs the inner adapter's process launch through the provider's
// circuit breaker.
type guarded struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker
}

func (g *guarded) Provider() string { return g.inner.Provider() }

func (g *guarded) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q circuit open: %w", g.inner.Provider(), ErrCLINotAvailable)
		}
		return nil, err
	}
	return res.(<-chan Event), nil
}
