// Package rooms answers room existence questions for the websocket handler,
// caching answers so a burst of joins does not turn into a burst of queries.
package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"

	"roomrelay/pkg/interfaces"
)

// Options tunes the existence cache.
type Options struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	MaxEntries  int64
	// LookupTimeout bounds one shared lookup against the source. It is
	// independent of any single caller's context.
	LookupTimeout time.Duration
}

// DefaultOptions caches known rooms for 30s and unknown rooms for 5s.
func DefaultOptions() Options {
	return Options{
		PositiveTTL:   30 * time.Second,
		NegativeTTL:   5 * time.Second,
		MaxEntries:    10000,
		LookupTimeout: 5 * time.Second,
	}
}

// Directory is a cached interfaces.RoomChecker.
type Directory struct {
	source interfaces.RoomChecker
	cache  *ristretto.Cache
	group  singleflight.Group
	opts   Options
	logger *slog.Logger
}

// NewDirectory wraps source with a cache.
func NewDirectory(source interfaces.RoomChecker, opts Options, logger *slog.Logger) (*Directory, error) {
	defaults := DefaultOptions()
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = defaults.PositiveTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = defaults.NegativeTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaults.MaxEntries
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaults.LookupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        opts.MaxEntries * 10,
		MaxCost:            opts.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room cache: %w", err)
	}

	return &Directory{
		source: source,
		cache:  cache,
		opts:   opts,
		logger: logger,
	}, nil
}

// RoomExists implements interfaces.RoomChecker. Concurrent misses for the same
// room share one lookup. Lookup errors are not cached.
//
// The shared lookup runs detached from ctx, so a caller that gives up only
// abandons its own wait; the other callers still get the answer.
func (d *Directory) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if cached, ok := d.cache.Get(roomID); ok {
		return cached.(bool), nil
	}

	results := d.group.DoChan(roomID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.LookupTimeout)
		defer cancel()

		exists, err := d.source.RoomExists(lookupCtx, roomID)
		if err != nil {
			return false, err
		}

		ttl := d.opts.PositiveTTL
		if !exists {
			ttl = d.opts.NegativeTTL
		}
		d.cache.SetWithTTL(roomID, exists, 1, ttl)
		return exists, nil
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			d.logger.Warn("room lookup failed", slog.String("room_id", roomID), slog.Any("error", res.Err))
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

// Invalidate drops the cached answer for roomID.
func (d *Directory) Invalidate(roomID string) {
	d.cache.Del(roomID)
}

// Close releases the cache's background goroutines.
func (d *Directory) Close() {
	d.cache.Close()
}
