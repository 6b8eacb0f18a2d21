package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_TwoPerTenSecondsScenario(t *testing.T) {
	store := NewStore()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 2, Window: 10 * time.Second}

	d := store.Admit("ip:10.0.0.1", policy, clock.Now())
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 0, d.RetryAfter)
	assert.Equal(t, clock.Now().Add(10*time.Second).Unix(), d.Reset)

	clock.Advance(time.Second)
	d = store.Admit("ip:10.0.0.1", policy, clock.Now())
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(time.Second)
	d = store.Admit("ip:10.0.0.1", policy, clock.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 10, d.RetryAfter)
	assert.Equal(t, 2, d.Limit)

	// Ten seconds after the first request it has slid out of the window.
	clock.Advance(8 * time.Second)
	d = store.Admit("ip:10.0.0.1", policy, clock.Now())
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestStore_NeverAdmitsMoreThanLimitInWindow(t *testing.T) {
	policies := []Policy{
		{MaxRequests: 1, Window: time.Second},
		{MaxRequests: 5, Window: 10 * time.Second},
		{MaxRequests: 50, Window: time.Minute},
	}

	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			store := NewStore()
			now := time.Unix(1700000000, 0)

			for i := 0; i < policy.MaxRequests; i++ {
				require.True(t, store.Admit("k", policy, now).Allowed, "request %d", i+1)
			}
			d := store.Admit("k", policy, now)
			assert.False(t, d.Allowed)
			assert.Equal(t, policy.WindowSeconds(), d.RetryAfter)
		})
	}
}

func TestStore_SlidingNotFixedWindow(t *testing.T) {
	store := NewStore()
	policy := Policy{MaxRequests: 2, Window: 10 * time.Second}
	start := time.Unix(1700000000, 0)

	require.True(t, store.Admit("k", policy, start).Allowed)
	require.True(t, store.Admit("k", policy, start.Add(9*time.Second)).Allowed)

	// A fixed bucket would reset at start+10s and allow a burst of two here.
	d := store.Admit("k", policy, start.Add(10*time.Second))
	assert.True(t, d.Allowed)
	d = store.Admit("k", policy, start.Add(11*time.Second))
	assert.False(t, d.Allowed)
}

func TestStore_RefusedRequestsAreNotCounted(t *testing.T) {
	store := NewStore()
	policy := Policy{MaxRequests: 1, Window: 10 * time.Second}
	start := time.Unix(1700000000, 0)

	require.True(t, store.Admit("k", policy, start).Allowed)
	for i := 1; i < 10; i++ {
		require.False(t, store.Admit("k", policy, start.Add(time.Duration(i)*time.Second)).Allowed)
	}
	assert.Equal(t, 1, store.Count("k"))
	assert.True(t, store.Admit("k", policy, start.Add(10*time.Second)).Allowed)
}

func TestStore_KeysAreIsolated(t *testing.T) {
	store := NewStore()
	policy := Policy{MaxRequests: 1, Window: time.Minute}
	now := time.Now()

	assert.True(t, store.Admit("user:1", policy, now).Allowed)
	assert.False(t, store.Admit("user:1", policy, now).Allowed)
	assert.True(t, store.Admit("user:2", policy, now).Allowed)
	assert.True(t, store.Admit("user:1:session:chat-a", policy, now).Allowed)
}

func TestStore_Prune(t *testing.T) {
	store := NewStore()
	policy := Policy{MaxRequests: 10, Window: time.Minute}
	start := time.Unix(1700000000, 0)

	store.Admit("old", policy, start)
	store.Admit("mixed", policy, start)
	store.Admit("mixed", policy, start.Add(50*time.Minute))
	store.Admit("fresh", policy, start.Add(59*time.Minute))
	require.Equal(t, 3, store.Len())

	removed := store.Prune(start.Add(61*time.Minute), time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 0, store.Count("old"))
	assert.Equal(t, 1, store.Count("mixed"))
	assert.Equal(t, 1, store.Count("fresh"))
}

func TestStore_ConcurrentAdmitsRespectLimit(t *testing.T) {
	store := NewStore()
	policy := Policy{MaxRequests: 100, Window: time.Minute}
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if store.Admit("shared", policy, now).Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
				store.Admit(fmt.Sprintf("own-%d", j), policy, now)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}
