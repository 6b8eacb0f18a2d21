package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/pkg/types"
)

func newTestHook(t *testing.T, handler http.HandlerFunc) *HTTPHook {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	hook, err := NewHTTPHook(HTTPHookConfig{
		Endpoint:    server.URL,
		MaxAttempts: 3,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, server.Client(), nil)
	require.NoError(t, err)
	return hook
}

func TestHTTPHook_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPHook(HTTPHookConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyEndpoint)
}

func TestHTTPHook_ReplyBecomesAIMessage(t *testing.T) {
	var received analyzeRequest
	hook := newTestHook(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Remember to convert units first."}`))
	})

	req := request("what is 5 km in miles?")
	reply, err := hook.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, types.BuddyUserName, reply.UserName)
	assert.Equal(t, "Remember to convert units first.", reply.Content)
	assert.True(t, reply.IsAI)

	assert.Equal(t, "42", received.RoomID)
	assert.Equal(t, "A", received.UserName)
	assert.Equal(t, req.Message.Content, received.Content)
	assert.Equal(t, req.Message.Timestamp, received.Timestamp)
}

func TestHTTPHook_NoReply(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"no content", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }},
		{"blank reply", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"reply":"  "}`)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := newTestHook(t, tt.handler).Analyze(context.Background(), request("a long enough question"))
			require.NoError(t, err)
			assert.Nil(t, reply)
		})
	}
}

func TestHTTPHook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	hook := newTestHook(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"reply":"third time lucky"}`))
	})

	reply, err := hook.Analyze(context.Background(), request("a long enough question"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "third time lucky", reply.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPHook_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	hook := newTestHook(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := hook.Analyze(context.Background(), request("a long enough question"))
	assert.ErrorIs(t, err, ErrAnalyzerStatus)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPHook_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	hook := newTestHook(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := hook.Analyze(context.Background(), request("a long enough question"))
	assert.ErrorIs(t, err, ErrAnalyzerStatus)
	assert.Equal(t, int32(1), calls.Load())
}
