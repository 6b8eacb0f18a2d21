package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the epoch second at which the current window ends.
	Reset int64
	// RetryAfter is the suggested wait in seconds; zero when the request was allowed.
	RetryAfter int
}

type windowEntry struct {
	at    time.Time
	count int
}

// Store keeps a sliding window of admitted requests per key. It performs no I/O
// and is the only owner of the window slices.
type Store struct {
	mu      sync.Mutex
	windows map[string][]windowEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		windows: make(map[string][]windowEntry),
	}
}

// Admit drops entries for key that fell out of policy's window, then admits the
// request if fewer than MaxRequests remain inside it.
func (s *Store) Admit(key string, policy Policy, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := dropOlder(s.windows[key], now.Add(-policy.Window))

	current := 0
	for _, e := range entries {
		current += e.count
	}

	decision := Decision{
		Limit: policy.MaxRequests,
		Reset: now.Add(policy.Window).Unix(),
	}

	if current < policy.MaxRequests {
		entries = append(entries, windowEntry{at: now, count: 1})
		decision.Allowed = true
		decision.Remaining = policy.MaxRequests - current - 1
	} else {
		decision.RetryAfter = policy.WindowSeconds()
	}

	if len(entries) == 0 {
		delete(s.windows, key)
	} else {
		s.windows[key] = entries
	}
	return decision
}

// Prune removes entries older than maxAge across all keys and deletes keys left
// empty. It returns the number of keys deleted.
func (s *Store) Prune(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entries := range s.windows {
		entries = dropOlder(entries, cutoff)
		if len(entries) == 0 {
			delete(s.windows, key)
			removed++
			continue
		}
		s.windows[key] = entries
	}
	return removed
}

// Len returns the number of keys currently tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Count returns the number of admitted requests recorded for key, pruned or not.
func (s *Store) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, e := range s.windows[key] {
		total += e.count
	}
	return total
}

// dropOlder keeps entries strictly newer than cutoff. Entries are appended in
// time order, so everything before the first survivor can go.
func dropOlder(entries []windowEntry, cutoff time.Time) []windowEntry {
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	n := copy(entries, entries[i:])
	return entries[:n]
}
