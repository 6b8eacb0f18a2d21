package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/pkg/types"
)

func TestBroadcaster_DeliversToEveryMember(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	for _, conn := range []*fakeConn{a, b, c} {
		require.NoError(t, registry.Register("42", conn))
	}
	other := newFakeConn("other")
	require.NoError(t, registry.Register("7", other))

	msg := types.NewMessage("A", "hello", time.UnixMilli(1700000000123))
	assert.Equal(t, 3, broadcaster.Broadcast("42", msg))

	for _, conn := range []*fakeConn{a, b, c} {
		frames := conn.frames()
		require.Len(t, frames, 1)
		assert.JSONEq(t, `{"user_name":"A","content":"hello","is_ai":false,"timestamp":1700000000123}`, string(frames[0]))
	}
	assert.Empty(t, other.frames())
}

func TestBroadcaster_MemberWhoLeftBeforeBroadcastReceivesNothing(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)
	stays, leaves := newFakeConn("stays"), newFakeConn("leaves")
	require.NoError(t, registry.Register("42", stays))
	require.NoError(t, registry.Register("42", leaves))

	require.True(t, registry.Unregister("42", leaves))
	assert.Equal(t, 1, broadcaster.Broadcast("42", types.NewMessage("A", "after leave", time.Now())))

	assert.Len(t, stays.frames(), 1)
	assert.Empty(t, leaves.frames())
}

func TestBroadcaster_EmptyRoomIsNoop(t *testing.T) {
	broadcaster := NewBroadcaster(NewRegistry(), nil)

	assert.Equal(t, 0, broadcaster.Broadcast("nobody-here", types.NewMessage("A", "hi", time.Now())))
	assert.Equal(t, 0, broadcaster.Broadcast("42", nil))
}

func TestBroadcaster_PrunesDeadConnections(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	alive := newFakeConn("alive")
	dead := newFakeConn("dead")
	dead.sendErr = errors.New("peer gone")
	require.NoError(t, registry.Register("42", alive))
	require.NoError(t, registry.Register("42", dead))

	assert.Equal(t, 1, broadcaster.Broadcast("42", types.NewMessage("A", "first", time.Now())))
	assert.False(t, registry.IsRegistered("42", dead))
	assert.True(t, registry.IsRegistered("42", alive))
	assert.False(t, dead.closed, "broadcaster must not close connections it does not own")

	assert.Equal(t, 1, broadcaster.Broadcast("42", types.NewMessage("A", "second", time.Now())))
	assert.Len(t, alive.frames(), 2)
}

func TestBroadcaster_LastDeadMemberRemovesRoom(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	dead := newFakeConn("dead")
	dead.sendErr = ErrConnectionClosed
	require.NoError(t, registry.Register("42", dead))

	assert.Equal(t, 0, broadcaster.Broadcast("42", types.NewMessage("A", "anyone?", time.Now())))
	assert.False(t, registry.HasRoom("42"))
}

func TestBroadcaster_PerConnectionOrder(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)
	a := newFakeConn("a")
	require.NoError(t, registry.Register("42", a))

	contents := []string{"one", "two", "three", "four"}
	for _, content := range contents {
		broadcaster.Broadcast("42", types.NewMessage("A", content, time.Now()))
	}

	frames := a.frames()
	require.Len(t, frames, len(contents))
	for i, frame := range frames {
		var msg types.Message
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, contents[i], msg.Content)
	}
}

func TestBroadcaster_ConcurrentWithMembershipChanges(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)
	steady := newFakeConn("steady")
	require.NoError(t, registry.Register("42", steady))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			broadcaster.Broadcast("42", types.NewMessage("A", "tick", time.Now()))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			churn := newFakeConn("churn")
			_ = registry.Register("42", churn)
			registry.Unregister("42", churn)
		}
	}()
	wg.Wait()

	assert.Len(t, steady.frames(), 200)
}
