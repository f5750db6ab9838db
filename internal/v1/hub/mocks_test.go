package hub

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/registry"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/store"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/transfer"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// mockConn is an in-memory wsConnection that records every outbound frame.
type mockConn struct {
	mu        sync.Mutex
	writes    [][]byte
	closeSent bool
	closeOnce sync.Once
	readCh    chan []byte
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan []byte, 32)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == websocket.CloseMessage {
		m.closeSent = true
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, cp)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.readCh) })
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockConn) SetReadLimit(limit int64)           {}

func (m *mockConn) frames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.writes))
	for _, w := range m.writes {
		var f map[string]any
		if json.Unmarshal(w, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockConn) frameTypes() []string {
	var types []string
	for _, f := range m.frames() {
		if t, ok := f["type"].(string); ok {
			types = append(types, t)
		}
	}
	return types
}

func (m *mockConn) countOfType(frameType string) int {
	n := 0
	for _, t := range m.frameTypes() {
		if t == frameType {
			n++
		}
	}
	return n
}

// waitForFrame blocks until a frame of the given type shows up and returns
// the most recent one.
func (m *mockConn) waitForFrame(t *testing.T, frameType string) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		for _, f := range m.frames() {
			if f["type"] == frameType {
				found = f
			}
		}
		return found != nil
	}, 2*time.Second, 2*time.Millisecond, "expected frame %q", frameType)
	return found
}

func (m *mockConn) closeFrameSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeSent
}

// newTestHub builds a hub over throwaway snapshot stores with the welcome
// debounce disabled so frames arrive deterministically.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	dir := t.TempDir()

	deviceSnap, err := store.Open(filepath.Join(dir, "devices.json"))
	require.NoError(t, err)
	roomSnap, err := store.Open(filepath.Join(dir, "rooms.json"))
	require.NoError(t, err)
	t.Cleanup(func() {
		deviceSnap.Close()
		roomSnap.Close()
	})

	devices := registry.NewDeviceRegistry(deviceSnap)
	rooms := registry.NewRoomRegistry(roomSnap)
	engine := transfer.NewEngine(&transfer.Governor{})

	h := NewHub(devices, rooms, engine, nil, nil)
	h.welcomeDelay = 0
	h.dupGrace = 5 * time.Millisecond
	return h
}

const (
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	iphoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

// dial registers a test channel and starts its write pump. The read pump is
// not started; tests feed frames straight into the router.
func dial(t *testing.T, h *Hub, userAgent, remoteAddr string) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	c := h.newClient(conn, userAgent, remoteAddr, "en-US")
	h.register(c)
	go c.writePump()
	t.Cleanup(func() { c.Disconnect("") })
	return c, conn
}

// say routes one frame from the client as if it arrived on the wire.
func say(t *testing.T, h *Hub, c *Client, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	h.route(t.Context(), c, data)
}

// sayRaw routes a raw payload, valid JSON or not.
func sayRaw(h *Hub, c *Client, raw string) {
	h.route(context.Background(), c, []byte(raw))
}
