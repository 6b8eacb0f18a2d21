package analysis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"

	"roomrelay/pkg/interfaces"
)

// persistTimeout bounds storing one reply after the hook returns.
const persistTimeout = 5 * time.Second

// Options bounds background analysis work.
type Options struct {
	MaxConcurrent    int64
	Timeout          time.Duration
	MinContentLength int
}

// DefaultOptions skips short chatter and caps in-flight analyses at 32.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    32,
		Timeout:          30 * time.Second,
		MinContentLength: 10,
	}
}

// Dispatcher runs the analysis hook for room messages after they have been
// delivered. The relay path never waits on it: a saturated dispatcher drops the
// request. Replies are persisted and then broadcast to the room like any other
// message.
type Dispatcher struct {
	hook        interfaces.AnalysisHook
	sink        interfaces.MessageSink
	broadcaster interfaces.Broadcaster
	opts        Options
	sem         *semaphore.Weighted
	logger      *slog.Logger

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlight atomic.Int64
}

// NewDispatcher creates a dispatcher. hook may be nil, in which case every
// Dispatch is a no-op. sink may be nil.
func NewDispatcher(hook interfaces.AnalysisHook, sink interfaces.MessageSink, broadcaster interfaces.Broadcaster,
	opts Options, logger *slog.Logger) *Dispatcher {
	defaults := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MinContentLength < 0 {
		opts.MinContentLength = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		hook:        hook,
		sink:        sink,
		broadcaster: broadcaster,
		opts:        opts,
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		logger:      logger,
	}
}

// Start enables dispatching. In-flight analyses inherit ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherAlreadyRunning
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	d.logger.Info("analysis dispatcher started",
		slog.Bool("hook_configured", d.hook != nil),
		slog.Int64("max_concurrent", d.opts.MaxConcurrent))
	return nil
}

// Stop refuses new work, cancels in-flight analyses and waits for them to return.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("analysis dispatcher stopped")
	return nil
}

// Dispatch schedules analysis of req and reports whether it was accepted.
// It never blocks.
func (d *Dispatcher) Dispatch(req interfaces.AnalysisRequest) bool {
	if d.hook == nil || req.Message == nil {
		return false
	}
	if utf8.RuneCountInString(req.Message.Content) < d.opts.MinContentLength {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return false
	}

	if !d.sem.TryAcquire(1) {
		d.logger.Warn("analysis capacity exhausted, dropping request",
			slog.String("room_id", req.RoomID))
		return false
	}

	d.wg.Add(1)
	d.inFlight.Add(1)
	go d.analyze(d.ctx, req)
	return true
}

func (d *Dispatcher) analyze(parent context.Context, req interfaces.AnalysisRequest) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("analysis hook panicked",
				slog.String("room_id", req.RoomID),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	ctx, cancel := context.WithTimeout(parent, d.opts.Timeout)
	defer cancel()

	reply, err := d.hook.Analyze(ctx, req)
	if err != nil {
		d.logger.Warn("analysis failed",
			slog.String("room_id", req.RoomID),
			slog.Any("error", err))
		return
	}
	if reply == nil {
		return
	}
	if err := reply.Validate(); err != nil {
		d.logger.Warn("discarding invalid analysis reply",
			slog.String("room_id", req.RoomID),
			slog.Any("error", err))
		return
	}

	if d.sink != nil {
		// The analysis deadline may be nearly spent; storage gets its own budget.
		storeCtx, storeCancel := context.WithTimeout(parent, persistTimeout)
		err := d.sink.StoreMessage(storeCtx, req.RoomID, reply)
		storeCancel()
		if err != nil {
			d.logger.Error("failed to persist analysis reply",
				slog.String("room_id", req.RoomID),
				slog.Any("error", err))
		}
	}
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(req.RoomID, reply)
	}
}

// InFlight returns the number of analyses currently running.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}
