package websocket

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// SessionState is the lifecycle position of a room session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig holds per-connection read side settings.
type SessionConfig struct {
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	InboundRate     float64 // frames per second, 0 disables the throttle
	InboundBurst    int
	MaxMessageBytes int64
}

// DefaultSessionConfig returns the heartbeat and throttle settings used in production.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		InboundRate:     5,
		InboundBurst:    10,
		MaxMessageBytes: 1 << 20,
	}
}

// Session is one participant's presence in one room. It owns the connection:
// it registers it, relays everything the peer sends, and on any exit
// unregisters, announces the departure and closes the socket.
type Session struct {
	roomID      string
	displayName string

	conn        *Connection
	registry    *Registry
	broadcaster *Broadcaster
	sink        interfaces.MessageSink
	dispatcher  interfaces.AnalysisDispatcher
	inbound     *rate.Limiter
	cfg         SessionConfig
	logger      *slog.Logger

	state     atomic.Int32
	closeOnce sync.Once
}

// NewSession prepares a session for conn. sink and dispatcher may be nil.
func NewSession(roomID, displayName string, conn *Connection, registry *Registry, broadcaster *Broadcaster,
	sink interfaces.MessageSink, dispatcher interfaces.AnalysisDispatcher, cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	var inbound *rate.Limiter
	if cfg.InboundRate > 0 {
		burst := cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		inbound = rate.NewLimiter(rate.Limit(cfg.InboundRate), burst)
	}

	s := &Session{
		roomID:      roomID,
		displayName: displayName,
		conn:        conn,
		registry:    registry,
		broadcaster: broadcaster,
		sink:        sink,
		dispatcher:  dispatcher,
		inbound:     inbound,
		cfg:         cfg,
		logger: logger.With(
			slog.String("room_id", roomID),
			slog.String("display_name", displayName),
			slog.String("connection_id", conn.ID())),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Run registers the connection and relays frames until the peer goes away or
// ctx is cancelled. It always leaves the session Closed.
func (s *Session) Run(ctx context.Context) error {
	if err := s.registry.Register(s.roomID, s.conn); err != nil {
		s.state.Store(int32(StateClosed))
		_ = s.conn.Close()
		return err
	}
	s.state.Store(int32(StateActive))
	s.logger.Info("participant joined room")

	defer s.close()

	ws := s.conn.conn
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		if err := ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	go s.heartbeat()

	// Closing the socket is the only way to unblock ReadMessage.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.conn.Done():
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				ctx.Err() == nil {
				s.logger.Debug("websocket read ended", slog.Any("error", err))
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(ctx, string(data))
	}
}

func (s *Session) handleFrame(ctx context.Context, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if s.inbound != nil && !s.inbound.Allow() {
		s.logger.Warn("dropping frame over inbound rate")
		return
	}

	message := types.NewMessage(s.displayName, content, time.Now())
	if err := message.Validate(); err != nil {
		s.logger.Warn("dropping invalid frame", slog.Any("error", err))
		return
	}

	if s.sink != nil {
		if err := s.sink.StoreMessage(ctx, s.roomID, message); err != nil {
			s.logger.Error("failed to persist room message", slog.Any("error", err))
		}
	}

	s.broadcaster.Broadcast(s.roomID, message)

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(interfaces.AnalysisRequest{RoomID: s.roomID, Message: message})
	}
}

func (s *Session) heartbeat() {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultSessionConfig().WriteTimeout
	}

	for {
		select {
		case <-ticker.C:
			if err := s.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.conn.Done():
			return
		}
	}
}

// close runs the departure sequence exactly once. The departing connection is
// unregistered before the announcement so it never receives its own departure.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.registry.Unregister(s.roomID, s.conn)
		s.broadcaster.Broadcast(s.roomID, types.NewDepartureMessage(s.displayName, time.Now()))
		_ = s.conn.Close()

		s.state.Store(int32(StateClosed))
		s.logger.Info("participant left room")
	})
}
