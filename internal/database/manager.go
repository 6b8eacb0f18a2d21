package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"

	dbconfig "roomrelay/pkg/database"
	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

const (
	writeQueueSize   = 100
	writeAttempts    = 3
	writeWaitTimeout = 30 * time.Second
)

// Manager is the SQLite-backed message sink and room lookup.
// Reads go straight to the pool; writes are funneled through one goroutine
// because SQLite allows a single writer at a time.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	retryMin     time.Duration
	retryMax     time.Duration
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		retryMin:     250 * time.Millisecond,
		retryMax:     5 * time.Second,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending schema migrations and validates the result.
func (m *Manager) Migrate(ctx context.Context) error {
	migrations := dbconfig.NewMigrationManager(m.db, m.config.MigrationsPath)
	if err := migrations.ApplyMigrations(ctx); err != nil {
		return err
	}
	return migrations.ValidateSchema()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWithRetry(op)

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// runWithRetry retries a failed write with exponential backoff. Busy and
// locked errors are the usual cause, so a short wait normally clears them.
func (m *Manager) runWithRetry(op writeOperation) error {
	b := &backoff.Backoff{
		Min:    m.retryMin,
		Max:    m.retryMax,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = op.operation(op.ctx, m.db); err == nil {
			return nil
		}
		if attempt == writeAttempts || op.ctx.Err() != nil {
			break
		}

		wait := b.Duration()
		m.logger.Warn("database write failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))

		select {
		case <-time.After(wait):
		case <-op.ctx.Done():
			return op.ctx.Err()
		case <-m.shutdown:
			return err
		}
	}

	m.logger.Error("database write failed", slog.Any("error", err))
	return err
}

// executeWrite queues a write for the writer goroutine and waits for its result.
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeWaitTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// StoreMessage implements interfaces.MessageSink.
func (m *Manager) StoreMessage(ctx context.Context, roomID string, message *types.Message) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO room_messages (id, room_id, user_name, content, is_ai, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			uuid.NewString(),
			roomID,
			message.UserName,
			message.Content,
			message.IsAI,
			message.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// CreateRoom inserts a room. A zero CreatedAt is stamped with the current time.
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) error {
	if !types.IsValidRoomID(room.ID) {
		return types.ErrInvalidRoomID
	}
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO study_rooms (id, name, subject, is_active, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, room.ID, room.Name, room.Subject, room.IsActive, createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return nil
	})
}

// SetRoomActive opens or closes a room for new connections.
func (m *Manager) SetRoomActive(ctx context.Context, roomID string, active bool) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		result, err := db.ExecContext(ctx, "UPDATE study_rooms SET is_active = ? WHERE id = ?", active, roomID)
		if err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrRoomNotFound
		}
		return nil
	})
}

// GetRoom returns a room regardless of its active flag.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	var room types.Room
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, subject, is_active, created_at
		FROM study_rooms
		WHERE id = ?
	`, roomID).Scan(&room.ID, &room.Name, &room.Subject, &room.IsActive, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return &room, nil
}

// RoomExists implements interfaces.RoomChecker. Inactive rooms do not accept
// connections and are reported as missing.
func (m *Manager) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		"SELECT 1 FROM study_rooms WHERE id = ? AND is_active = 1", roomID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query room: %w", err)
	}
	return true, nil
}

// RoomHistory returns up to limit of the most recent messages in roomID,
// oldest first.
func (m *Manager) RoomHistory(ctx context.Context, roomID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT user_name, content, is_ai, timestamp FROM (
			SELECT user_name, content, is_ai, timestamp, rowid
			FROM room_messages
			WHERE room_id = ?
			ORDER BY timestamp DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, rowid ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var message types.Message
		if err := rows.Scan(&message.UserName, &message.Content, &message.IsAI, &message.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM study_rooms").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying pool.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
