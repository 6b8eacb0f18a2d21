package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterValidation(t *testing.T) {
	registry := NewRegistry()

	assert.ErrorIs(t, registry.Register("42", nil), ErrNilConnection)
	assert.ErrorIs(t, registry.Register("", newFakeConn("a")), ErrInvalidRoom)
	assert.Empty(t, registry.Rooms())
}

func TestRegistry_RegisterAndSnapshot(t *testing.T) {
	registry := NewRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")

	require.NoError(t, registry.Register("42", a))
	require.NoError(t, registry.Register("42", b))
	require.NoError(t, registry.Register("7", c))

	assert.ElementsMatch(t, []interface{}{a, b}, toAny(registry.Snapshot("42")))
	assert.Equal(t, map[string]int{"42": 2, "7": 1}, registry.Rooms())
	assert.Equal(t, []string{"42", "7"}, registry.RoomIDs())
	assert.True(t, registry.IsRegistered("42", a))
	assert.False(t, registry.IsRegistered("7", a))

	stats := registry.GetStats()
	assert.Equal(t, 3, stats["total_connections"])
	assert.Equal(t, 2, stats["active_rooms"])
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")

	require.NoError(t, registry.Register("42", a))
	require.NoError(t, registry.Register("42", a))
	assert.Len(t, registry.Snapshot("42"), 1)

	assert.ErrorIs(t, registry.Register("7", a), ErrConnectionInOtherRoom)
	assert.False(t, registry.HasRoom("7"))
}

func TestRegistry_UnregisterDeletesEmptyRoom(t *testing.T) {
	registry := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, registry.Register("42", a))
	require.NoError(t, registry.Register("42", b))

	assert.True(t, registry.Unregister("42", a))
	assert.True(t, registry.HasRoom("42"))

	assert.True(t, registry.Unregister("42", b))
	assert.False(t, registry.HasRoom("42"))
	assert.Empty(t, registry.Rooms())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	require.NoError(t, registry.Register("42", a))

	assert.True(t, registry.Unregister("42", a))
	assert.False(t, registry.Unregister("42", a))
	assert.False(t, registry.Unregister("unknown", a))
	assert.False(t, registry.Unregister("42", nil))

	// A connection that left may join again.
	require.NoError(t, registry.Register("7", a))
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	registry := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, registry.Register("42", a))

	snapshot := registry.Snapshot("42")
	require.NoError(t, registry.Register("42", b))
	registry.Unregister("42", a)

	require.Len(t, snapshot, 1)
	assert.Same(t, a, snapshot[0])
	assert.Nil(t, registry.Snapshot("missing"))
}

func TestRegistry_ConcurrentRegisterAndUnregister(t *testing.T) {
	registry := NewRegistry()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("conn-%d", i))
			room := fmt.Sprintf("room-%d", i%5)
			for j := 0; j < 100; j++ {
				_ = registry.Register(room, conn)
				_ = registry.Snapshot(room)
				registry.Unregister(room, conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, registry.Rooms())
	assert.Equal(t, 0, registry.GetStats()["total_connections"])
}

func toAny[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
