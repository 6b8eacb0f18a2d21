package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/exp/slog"
)

// Header names exposed to clients.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"

	HeaderUserID         = "X-User-ID"
	HeaderSessionContext = "X-Session-Context"
	QueryUserID          = "user_id"
)

// MiddlewareConfig controls key derivation and exemptions.
type MiddlewareConfig struct {
	// ExemptPaths bypass the limiter entirely (exact match).
	ExemptPaths []string
	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP the client address source.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

// DefaultExemptPaths lists the meta endpoints that are never throttled.
func DefaultExemptPaths() []string {
	return []string{
		"/",
		"/docs",
		"/redoc",
		"/openapi.json",
		"/api/health",
		"/api/health/check",
		"/favicon.ico",
	}
}

// ThrottledResponse is the JSON body returned with a 429.
type ThrottledResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Limit   int    `json:"limit"`
	Reset   int64  `json:"reset"`
}

// Middleware gates every request through l. It is compatible with both net/http
// and gorilla/mux's Router.Use.
func Middleware(l *Limiter, cfg MiddlewareConfig) func(next http.Handler) http.Handler {
	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyFor(r, cfg.TrustProxyHeaders)
			decision := l.Admit(key, r.URL.Path)

			if !decision.Allowed {
				logger.Debug("request throttled",
					slog.String("key", key),
					slog.String("path", r.URL.Path),
					slog.Int("limit", decision.Limit))
				writeTooManyRequests(w, decision)
				return
			}

			// Set before the handler runs so the headers also reach streamed and
			// upgraded responses.
			setLimitHeaders(w.Header(), decision)
			next.ServeHTTP(w, r)
		})
	}
}

// KeyFor derives the counter key: the caller identity when one is supplied,
// otherwise the client address, optionally scoped by session context.
func KeyFor(r *http.Request, trustProxy bool) string {
	var key string
	if identity := Identity(r); identity != "" {
		key = "user:" + identity
	} else {
		key = "ip:" + ClientAddress(r, trustProxy)
	}

	if sessionContext := strings.TrimSpace(r.Header.Get(HeaderSessionContext)); sessionContext != "" {
		key += ":session:" + sessionContext
	}
	return key
}

// Identity returns the caller identity from the X-User-ID header or the user_id
// query parameter, header first. Values are used verbatim, so " bob" and "bob"
// are different callers; an empty value counts as absent.
func Identity(r *http.Request) string {
	if id := r.Header.Get(HeaderUserID); id != "" {
		return id
	}
	return r.URL.Query().Get(QueryUserID)
}

// ClientAddress returns the best-known client IP.
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func setLimitHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.Reset, 10))
}

func writeTooManyRequests(w http.ResponseWriter, d Decision) {
	h := w.Header()
	setLimitHeaders(h, d)
	h.Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(ThrottledResponse{
		Error:   "Rate limit exceeded",
		Message: fmt.Sprintf("Too many requests. Please try again in %d seconds.", d.RetryAfter),
		Limit:   d.Limit,
		Reset:   d.Reset,
	})
}
