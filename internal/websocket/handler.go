package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// Route variable names for the room endpoint.
const (
	RoomIDVar      = "roomId"
	DisplayNameVar = "displayName"

	// RoutePattern is the gorilla/mux template the handler expects to be mounted on.
	RoutePattern = "/rooms/ws/{" + RoomIDVar + "}/{" + DisplayNameVar + "}"
)

// HandlerConfig configures the upgrade and the sessions it starts.
type HandlerConfig struct {
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	Connection       ConnectionOptions
	Session          SessionConfig
}

// DefaultHandlerConfig allows any origin.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		AllowedOrigins:   []string{"*"},
		HandshakeTimeout: 10 * time.Second,
		Connection:       DefaultConnectionOptions(),
		Session:          DefaultSessionConfig(),
	}
}

// HandlerOption customizes optional collaborators of a Handler.
type HandlerOption func(*Handler)

// WithMessageSink persists every relayed message through sink.
func WithMessageSink(sink interfaces.MessageSink) HandlerOption {
	return func(h *Handler) {
		h.sink = sink
	}
}

// WithDispatcher hands relayed messages to the analysis dispatcher.
func WithDispatcher(dispatcher interfaces.AnalysisDispatcher) HandlerOption {
	return func(h *Handler) {
		h.dispatcher = dispatcher
	}
}

// WithRoomChecker rejects connections to rooms the checker does not know.
func WithRoomChecker(rooms interfaces.RoomChecker) HandlerOption {
	return func(h *Handler) {
		h.rooms = rooms
	}
}

// WithHandlerLogger sets the logger used by the handler and its sessions.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler upgrades room requests and runs one Session per connection.
// Sessions run on the request goroutine and are tied to the handler's own
// context, so Shutdown can end them after the HTTP server stops tracking the
// hijacked connections.
type Handler struct {
	registry    *Registry
	broadcaster *Broadcaster
	rooms       interfaces.RoomChecker
	sink        interfaces.MessageSink
	dispatcher  interfaces.AnalysisDispatcher
	cfg         HandlerConfig
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a room handler.
func NewHandler(registry *Registry, broadcaster *Broadcaster, cfg HandlerConfig, opts ...HandlerOption) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		registry:    registry,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return h
}

// ServeHTTP validates the path variables and the room, upgrades, then blocks
// running the session until the participant leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	vars := mux.Vars(r)
	roomID := vars[RoomIDVar]
	displayName := vars[DisplayNameVar]

	if !types.IsValidRoomID(roomID) {
		http.Error(w, "Invalid room ID", http.StatusBadRequest)
		return
	}
	if !types.IsValidDisplayName(displayName) {
		http.Error(w, "Invalid display name", http.StatusBadRequest)
		return
	}

	if h.rooms != nil {
		exists, err := h.rooms.RoomExists(r.Context(), roomID)
		if err != nil {
			h.logger.Error("room lookup failed", slog.String("room_id", roomID), slog.Any("error", err))
			http.Error(w, "Room lookup failed", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, upgradeHeader(w.Header()))
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Debug("websocket upgrade failed", slog.String("room_id", roomID), slog.Any("error", err))
		return
	}

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn := NewConnection(ws, h.cfg.Connection)
	session := NewSession(roomID, displayName, conn, h.registry, h.broadcaster, h.sink, h.dispatcher, h.cfg.Session, h.logger)
	if err := session.Run(h.ctx); err != nil {
		h.logger.Warn("room session ended with error", slog.String("room_id", roomID), slog.Any("error", err))
	}
}

// Shutdown ends every running session and waits for their departure sequences,
// or until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// upgradeHeader carries headers set by earlier middleware, such as the rate
// limit headers, onto the 101 response, which the upgrader writes directly to
// the hijacked connection.
func upgradeHeader(set http.Header) http.Header {
	header := http.Header{}
	for key, values := range set {
		if strings.HasPrefix(key, "X-") {
			header[key] = append([]string(nil), values...)
		}
	}
	return header
}
