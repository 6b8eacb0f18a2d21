package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeConn is an in-memory interfaces.Connection.
type fakeConn struct {
	id      string
	sendErr error

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

// recordingSink captures persisted messages.
type recordingSink struct {
	err error

	mu       sync.Mutex
	messages []*types.Message
	rooms    []string
}

func (s *recordingSink) StoreMessage(ctx context.Context, roomID string, message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	s.rooms = append(s.rooms, roomID)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// recordingDispatcher captures analysis requests.
type recordingDispatcher struct {
	mu       sync.Mutex
	requests []interfaces.AnalysisRequest
}

func (d *recordingDispatcher) Dispatch(req interfaces.AnalysisRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return true
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// staticRooms is a RoomChecker over a fixed set.
type staticRooms struct {
	rooms map[string]bool
	err   error
}

func (s staticRooms) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.rooms[roomID], nil
}

// createTestWebSocketConnection dials a server that forwards every text frame
// it receives to the returned channel.
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, <-chan []byte) {
	t.Helper()

	frames := make(chan []byte, 256)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, frames
}

func readMessage(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()

	var msg types.Message
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}
