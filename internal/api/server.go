package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/exp/slog"

	"roomrelay/pkg/types"
)

// ConnectionStats exposes live room membership.
type ConnectionStats interface {
	GetStats() map[string]int
	Rooms() map[string]int
}

// LimiterStats exposes rate limiter bookkeeping.
type LimiterStats interface {
	Stats() map[string]int
}

// HealthChecker reports storage health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HistoryReader returns recent room messages, oldest first.
type HistoryReader interface {
	RoomHistory(ctx context.Context, roomID string, limit int) ([]*types.Message, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Server serves the small JSON API next to the websocket endpoint. It holds no
// business logic: every response is read from the components it is given.
type Server struct {
	db             HealthChecker
	history        HistoryReader
	registry       ConnectionStats
	limiter        LimiterStats
	allowedOrigins []string
	version        string
	startedAt      time.Time
	logger         *slog.Logger
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithHistory enables GET /api/rooms/{roomId}/history.
func WithHistory(history HistoryReader) Option {
	return func(s *Server) { s.history = history }
}

// WithAllowedOrigins restricts CORS responses. "*" allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithVersion sets the version reported by the root endpoint.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates an API server. limiter may be nil when rate limiting is off.
func NewServer(db HealthChecker, registry ConnectionStats, limiter LimiterStats, opts ...Option) *Server {
	s := &Server{
		db:             db,
		registry:       registry,
		limiter:        limiter,
		allowedOrigins: []string{"*"},
		version:        "dev",
		startedAt:      time.Now(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the API routes on r.
func (s *Server) Register(r *mux.Router) {
	wrap := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(jsonMiddleware(h))
	}

	r.Handle("/", wrap(s.root)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/api/health", wrap(s.healthCheck)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/api/health/check", wrap(s.healthCheck)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/api/rooms/active", wrap(s.activeRooms)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/api/rooms/{roomId}/history", wrap(s.roomHistory)).Methods(http.MethodGet, http.MethodOptions)
}

// Handler returns a standalone router serving only the API routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

type RootResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	RateLimiter map[string]int `json:"rate_limiter,omitempty"`
}

type ActiveRoom struct {
	RoomID      string `json:"room_id"`
	Connections int    `json:"connections"`
}

type ActiveRoomsResponse struct {
	Rooms            []ActiveRoom `json:"rooms"`
	TotalConnections int          `json:"total_connections"`
}

type HistoryResponse struct {
	RoomID   string           `json:"room_id"`
	Messages []*types.Message `json:"messages"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, RootResponse{
		Service: "roomrelay",
		Version: s.version,
		Status:  "running",
	})
}

// healthCheck returns 503 when the database is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.db.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
	}
	if s.limiter != nil {
		response.RateLimiter = s.limiter.Stats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) activeRooms(w http.ResponseWriter, r *http.Request) {
	counts := s.registry.Rooms()

	response := ActiveRoomsResponse{Rooms: make([]ActiveRoom, 0, len(counts))}
	for roomID, n := range counts {
		response.Rooms = append(response.Rooms, ActiveRoom{RoomID: roomID, Connections: n})
		response.TotalConnections += n
	}
	sort.Slice(response.Rooms, func(i, j int) bool {
		return response.Rooms[i].RoomID < response.Rooms[j].RoomID
	})

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.sendError(w, "Room history is not available", http.StatusNotFound)
		return
	}

	roomID := mux.Vars(r)["roomId"]
	if !types.IsValidRoomID(roomID) {
		s.sendError(w, "Invalid room ID", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	messages, err := s.history.RoomHistory(r.Context(), roomID, limit)
	if err != nil {
		s.logger.Error("failed to load room history", slog.String("room_id", roomID), slog.Any("error", err))
		s.sendError(w, "Failed to load room history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{RoomID: roomID, Messages: messages})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", slog.Any("error", err))
	}
}

// sendError writes the shared error envelope.
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
