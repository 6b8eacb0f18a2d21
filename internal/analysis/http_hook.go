package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/exp/slog"

	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// HTTPHookConfig configures the webhook analyzer.
type HTTPHookConfig struct {
	Endpoint    string
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	ReplyAs     string
}

// analyzeRequest is the JSON body posted to the analyzer.
type analyzeRequest struct {
	RoomID    string `json:"room_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type analyzeResponse struct {
	Reply string `json:"reply"`
}

// HTTPHook posts room messages to an external analyzer. A 204 or an empty
// reply means the analyzer has nothing to say; a non-empty reply is posted back
// to the room as an AI message.
type HTTPHook struct {
	client *http.Client
	cfg    HTTPHookConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewHTTPHook creates a hook. client defaults to a client with a 30s timeout.
func NewHTTPHook(cfg HTTPHookConfig, client *http.Client, logger *slog.Logger) (*HTTPHook, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrEmptyEndpoint
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.ReplyAs == "" {
		cfg.ReplyAs = types.BuddyUserName
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPHook{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Analyze implements interfaces.AnalysisHook. Transport errors and 5xx
// responses are retried with exponential backoff; other failures are returned
// immediately.
func (h *HTTPHook) Analyze(ctx context.Context, req interfaces.AnalysisRequest) (*types.Message, error) {
	body, err := json.Marshal(analyzeRequest{
		RoomID:    req.RoomID,
		UserName:  req.Message.UserName,
		Content:   req.Message.Content,
		Timestamp: req.Message.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	b := &backoff.Backoff{
		Min:    h.cfg.MinBackoff,
		Max:    h.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		reply, retry, err := h.post(ctx, body)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retry || attempt == h.cfg.MaxAttempts {
			break
		}

		wait := b.Duration()
		h.logger.Debug("retrying analyzer call",
			slog.String("room_id", req.RoomID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// post makes one attempt and reports whether a failure is worth retrying.
func (h *HTTPHook) post(ctx context.Context, body []byte) (*types.Message, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, false, nil
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("%w: %d", ErrAnalyzerStatus, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("%w: %d", ErrAnalyzerStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, types.MaxContentBytes+1024))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read analyzer response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, nil
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, false, fmt.Errorf("failed to decode analyzer response: %w", err)
	}
	if strings.TrimSpace(decoded.Reply) == "" {
		return nil, false, nil
	}

	return types.NewAIMessage(h.cfg.ReplyAs, decoded.Reply, h.now()), false, nil
}
