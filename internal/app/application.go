package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/exp/slog"

	"roomrelay/internal/analysis"
	"roomrelay/internal/api"
	"roomrelay/internal/config"
	"roomrelay/internal/database"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/rooms"
	"roomrelay/internal/websocket"
	"roomrelay/pkg/interfaces"
)

// Version is reported by the root endpoint. Overridden at link time.
var Version = "dev"

// Application coordinates all system components.
type Application struct {
	config      *config.Config
	logger      *slog.Logger
	dbManager   *database.Manager
	directory   *rooms.Directory
	registry    *websocket.Registry
	broadcaster *websocket.Broadcaster
	dispatcher  *analysis.Dispatcher
	limiter     *ratelimit.Limiter
	wsHandler   *websocket.Handler
	apiServer   *api.Server
	handler     http.Handler
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication builds every component in dependency order:
// Database → Rooms → Registry → Broadcaster → Analysis → Limiter → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// STEP 1: database and schema
	dbConfig := cfg.Database.ManagerConfig()
	if err := ensureDataDir(dbConfig.DatabasePath); err != nil {
		return nil, err
	}
	dbManager, err := database.NewManager(dbConfig, logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(context.Background()); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("database ready", "path", dbConfig.DatabasePath)

	// STEP 2: cached room lookups
	directory, err := rooms.NewDirectory(dbManager, rooms.Options{
		PositiveTTL: cfg.Rooms.PositiveTTL,
		NegativeTTL: cfg.Rooms.NegativeTTL,
		MaxEntries:  cfg.Rooms.MaxEntries,
	}, logger.With("component", "rooms"))
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize room directory: %w", err)
	}

	// STEP 3: room fan-out
	registry := websocket.NewRegistry()
	broadcaster := websocket.NewBroadcaster(registry, logger.With("component", "broadcaster"))

	// STEP 4: optional analyzer
	var hook interfaces.AnalysisHook
	if cfg.Analysis.Endpoint != "" {
		httpHook, err := analysis.NewHTTPHook(analysis.HTTPHookConfig{
			Endpoint:    cfg.Analysis.Endpoint,
			MaxAttempts: cfg.Analysis.MaxAttempts,
		}, &http.Client{Timeout: cfg.Analysis.Timeout}, logger.With("component", "analysis"))
		if err != nil {
			directory.Close()
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to initialize analyzer: %w", err)
		}
		hook = httpHook
	}
	dispatcher := analysis.NewDispatcher(hook, dbManager, broadcaster, analysis.Options{
		MaxConcurrent:    cfg.Analysis.MaxConcurrent,
		Timeout:          cfg.Analysis.Timeout,
		MinContentLength: cfg.Analysis.MinContentLength,
	}, logger.With("component", "analysis"))

	// STEP 5: HTTP rate limiting
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		policies, err := cfg.RateLimit.PolicyTable()
		if err != nil {
			directory.Close()
			_ = dbManager.Close()
			return nil, fmt.Errorf("invalid rate limit policies: %w", err)
		}
		limiter = ratelimit.NewLimiter(policies,
			ratelimit.WithPruneInterval(cfg.RateLimit.PruneInterval),
			ratelimit.WithMaxAge(cfg.RateLimit.MaxAge),
			ratelimit.WithLogger(logger.With("component", "ratelimit")),
		)
	}

	// STEP 6: websocket endpoint
	wsHandler := websocket.NewHandler(registry, broadcaster, websocket.HandlerConfig{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		Connection: websocket.ConnectionOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
		Session: websocket.SessionConfig{
			ReadTimeout:     cfg.WebSocket.ReadTimeout,
			PingInterval:    cfg.WebSocket.PingInterval,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
			InboundRate:     cfg.WebSocket.InboundRate,
			InboundBurst:    cfg.WebSocket.InboundBurst,
			MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		},
	},
		websocket.WithRoomChecker(directory),
		websocket.WithMessageSink(dbManager),
		websocket.WithDispatcher(dispatcher),
		websocket.WithHandlerLogger(logger.With("component", "websocket")),
	)

	// STEP 7: introspection API
	var limiterStats api.LimiterStats
	if limiter != nil {
		limiterStats = limiter
	}
	apiServer := api.NewServer(dbManager, registry, limiterStats,
		api.WithHistory(dbManager),
		api.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		api.WithVersion(Version),
		api.WithLogger(logger.With("component", "api")),
	)

	// STEP 8: routing and middleware. The limiter wraps the router so unknown
	// paths are counted too.
	router := mux.NewRouter()
	apiServer.Register(router)
	router.Handle(websocket.RoutePattern, wsHandler)

	var handler http.Handler = router
	if limiter != nil {
		handler = ratelimit.Middleware(limiter, ratelimit.MiddlewareConfig{
			ExemptPaths:       ratelimit.DefaultExemptPaths(),
			TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
			Logger:            logger.With("component", "ratelimit"),
		})(handler)
	}
	handler = api.LoggingMiddleware(logger.With("component", "http"))(handler)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      logger,
		dbManager:   dbManager,
		directory:   directory,
		registry:    registry,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		limiter:     limiter,
		wsHandler:   wsHandler,
		apiServer:   apiServer,
		handler:     handler,
		httpServer:  httpServer,
	}, nil
}

func ensureDataDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}

// Start launches background workers and begins serving. The listener is bound
// before Start returns, so bind errors surface here and Addr is usable at once.
// Serve errors after that are delivered on the returned channel.
func (app *Application) Start(ctx context.Context) (<-chan error, error) {
	if err := app.dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start analysis dispatcher: %w", err)
	}
	if app.limiter != nil {
		if err := app.limiter.Start(ctx); err != nil {
			_ = app.dispatcher.Stop()
			return nil, fmt.Errorf("failed to start rate limiter: %w", err)
		}
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopWorkers()
		return nil, fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	app.logger.Info("roomrelay listening", "addr", listener.Addr().String(), "version", Version)
	return serveErr, nil
}

// Stop shuts down in reverse dependency order: stop accepting, close live
// sessions, drain analysis, then release storage.
func (app *Application) Stop(ctx context.Context) error {
	var errs []error

	// STEP 1: stop accepting new requests
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	// STEP 2: close hijacked websocket sessions
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket sessions: %w", err))
	}

	// STEP 3: background workers
	app.stopWorkers()

	// STEP 4: storage
	app.directory.Close()
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	app.logger.Info("roomrelay shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopWorkers() {
	if err := app.dispatcher.Stop(); err != nil && !errors.Is(err, analysis.ErrDispatcherNotRunning) {
		app.logger.Warn("analysis dispatcher stop failed", "error", err)
	}
	if app.limiter != nil {
		if err := app.limiter.Stop(); err != nil && !errors.Is(err, ratelimit.ErrLimiterNotRunning) {
			app.logger.Warn("rate limiter stop failed", "error", err)
		}
	}
}

// Addr returns the bound listener address, or the configured address before Start.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the fully wrapped HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Database exposes the storage manager, used by admin tooling to seed rooms.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// Directory exposes the cached room lookup.
func (app *Application) Directory() *rooms.Directory {
	return app.directory
}
