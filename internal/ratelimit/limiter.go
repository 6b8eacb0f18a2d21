package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

const (
	DefaultPruneInterval = 5 * time.Minute
	DefaultMaxAge        = time.Hour
)

// Limiter resolves a policy for each request path and admits requests against the
// Store. A background goroutine started with Start periodically reclaims memory
// from idle keys; Admit stays correct whether or not it runs.
//
// The limiter is in-process only. Running several replicas gives each its own
// counters.
type Limiter struct {
	store    *Store
	policies PolicyTable
	now      func() time.Time
	logger   *slog.Logger

	pruneInterval time.Duration
	maxAge        time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithPruneInterval sets how often idle keys are reclaimed.
func WithPruneInterval(interval time.Duration) Option {
	return func(l *Limiter) {
		if interval > 0 {
			l.pruneInterval = interval
		}
	}
}

// WithMaxAge sets how old an entry must be before pruning discards it.
func WithMaxAge(maxAge time.Duration) Option {
	return func(l *Limiter) {
		if maxAge > 0 {
			l.maxAge = maxAge
		}
	}
}

// WithLogger sets the logger used by the pruning loop.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter creates a limiter over a fresh Store.
func NewLimiter(policies PolicyTable, opts ...Option) *Limiter {
	l := &Limiter{
		store:         NewStore(),
		policies:      policies,
		now:           time.Now,
		logger:        slog.Default(),
		pruneInterval: DefaultPruneInterval,
		maxAge:        DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(l)
	}
	// Pruning must never discard entries still inside a policy window.
	if longest := policies.LongestWindow(); longest > l.maxAge {
		l.maxAge = longest
	}
	return l
}

// Admit checks key against the policy registered for path.
func (l *Limiter) Admit(key, path string) Decision {
	return l.AdmitPolicy(key, l.policies.Resolve(path))
}

// AdmitPolicy checks key against an explicit policy.
func (l *Limiter) AdmitPolicy(key string, policy Policy) Decision {
	return l.store.Admit(key, policy, l.now())
}

// Policies returns the policy table in use.
func (l *Limiter) Policies() PolicyTable {
	return l.policies
}

// Prune runs one reclamation pass and returns the number of keys removed. Entries
// younger than the longest policy window are always kept.
func (l *Limiter) Prune() int {
	return l.store.Prune(l.now(), l.maxAge)
}

// Stats reports limiter state for health endpoints.
func (l *Limiter) Stats() map[string]int {
	return map[string]int{
		"tracked_keys": l.store.Len(),
	}
}

// Start launches the pruning goroutine. It runs until ctx is cancelled or Stop is called.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrLimiterAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, l.done)

	l.logger.Info("rate limiter pruning started",
		slog.Duration("interval", l.pruneInterval),
		slog.Duration("max_age", l.maxAge))
	return nil
}

// Stop ends the pruning goroutine and waits for it to exit.
func (l *Limiter) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrLimiterNotRunning
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (l *Limiter) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pruneSafely()
		case <-ctx.Done():
			l.logger.Info("rate limiter pruning stopped")
			return
		}
	}
}

// pruneSafely keeps a failing pass from killing the loop.
func (l *Limiter) pruneSafely() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limiter prune pass panicked", slog.Any("panic", r))
		}
	}()

	removed := l.Prune()
	l.logger.Debug("rate limiter prune pass",
		slog.Int("removed_keys", removed),
		slog.Int("tracked_keys", l.store.Len()))
}
