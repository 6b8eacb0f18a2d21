package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "roomrelay/pkg/database"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, manager.Migrate(context.Background()))
	return manager
}

func createRoom(t *testing.T, manager *Manager, id string) {
	t.Helper()
	require.NoError(t, manager.CreateRoom(context.Background(), &types.Room{
		ID:       id,
		Name:     "Room " + id,
		Subject:  "physics",
		IsActive: true,
	}))
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.MessageSink = (*Manager)(nil)
	var _ interfaces.RoomChecker = (*Manager)(nil)
}

func TestManager_RejectsInvalidConfig(t *testing.T) {
	_, err := NewManager(&dbconfig.Config{}, nil)
	assert.Error(t, err)
}

func TestManager_RoomExists(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	createRoom(t, manager, "42")

	exists, err := manager.RoomExists(ctx, "42")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = manager.RoomExists(ctx, "43")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, manager.SetRoomActive(ctx, "42", false))
	exists, err = manager.RoomExists(ctx, "42")
	require.NoError(t, err)
	assert.False(t, exists, "inactive rooms do not accept connections")

	room, err := manager.GetRoom(ctx, "42")
	require.NoError(t, err)
	assert.False(t, room.IsActive)
	assert.Equal(t, "physics", room.Subject)
	assert.False(t, room.CreatedAt.IsZero())
}

func TestManager_RoomLookupErrors(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	_, err := manager.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrRoomNotFound)

	assert.ErrorIs(t, manager.SetRoomActive(ctx, "missing", true), interfaces.ErrRoomNotFound)
	assert.ErrorIs(t, manager.CreateRoom(ctx, &types.Room{ID: "bad id"}), types.ErrInvalidRoomID)

	createRoom(t, manager, "42")
	assert.Error(t, manager.CreateRoom(ctx, &types.Room{ID: "42", Name: "dup"}))
}

func TestManager_StoreMessageAndHistory(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	createRoom(t, manager, "42")
	createRoom(t, manager, "7")

	base := time.UnixMilli(1700000000000)
	for i := 0; i < 5; i++ {
		msg := types.NewMessage("A", fmt.Sprintf("message %d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, manager.StoreMessage(ctx, "42", msg))
	}
	require.NoError(t, manager.StoreMessage(ctx, "42", types.NewAIMessage(types.BuddyUserName, "reply", base.Add(10*time.Second))))
	require.NoError(t, manager.StoreMessage(ctx, "7", types.NewMessage("B", "elsewhere", base)))

	history, err := manager.RoomHistory(ctx, "42", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "message 3", history[0].Content)
	assert.Equal(t, "message 4", history[1].Content)
	assert.Equal(t, "reply", history[2].Content)
	assert.True(t, history[2].IsAI)
	assert.Equal(t, base.Add(10*time.Second).UnixMilli(), history[2].Timestamp)

	all, err := manager.RoomHistory(ctx, "42", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	empty, err := manager.RoomHistory(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestManager_StoreMessageUnknownRoom(t *testing.T) {
	manager := setupTestDB(t)

	err := manager.StoreMessage(context.Background(), "missing", types.NewMessage("A", "hi", time.Now()))
	assert.Error(t, err, "foreign key must reject messages for unknown rooms")
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	createRoom(t, manager, "42")

	const writers, perWriter = 10, 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- manager.StoreMessage(ctx, "42", types.NewMessage(fmt.Sprintf("user-%d", w), "hello", time.Now()))
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	history, err := manager.RoomHistory(ctx, "42", 1000)
	require.NoError(t, err)
	assert.Len(t, history, writers*perWriter)
}

func TestManager_WriteRetriesThenSucceeds(t *testing.T) {
	manager := setupTestDB(t)
	manager.retryMin = time.Millisecond
	manager.retryMax = 2 * time.Millisecond

	attempts := 0
	err := manager.executeWrite(context.Background(), func(ctx context.Context, db *sql.DB) error {
		attempts++
		if attempts < writeAttempts {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, writeAttempts, attempts)
}

func TestManager_WriteGivesUp(t *testing.T) {
	manager := setupTestDB(t)
	manager.retryMin = time.Millisecond
	manager.retryMax = 2 * time.Millisecond

	attempts := 0
	err := manager.executeWrite(context.Background(), func(ctx context.Context, db *sql.DB) error {
		attempts++
		return errors.New("disk I/O error")
	})
	assert.EqualError(t, err, "disk I/O error")
	assert.Equal(t, writeAttempts, attempts)
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)
	assert.NoError(t, manager.HealthCheck(context.Background()))
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	manager := setupTestDB(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	err := manager.StoreMessage(context.Background(), "42", types.NewMessage("A", "late", time.Now()))
	assert.True(t, errors.Is(err, ErrManagerClosed))
}
