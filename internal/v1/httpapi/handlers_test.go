package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/registry"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/transfer"
)

type stubNotifier struct {
	mu    sync.Mutex
	sent  map[string][]any
	count int
}

func (s *stubNotifier) SendTo(deviceID string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]any)
	}
	s.sent[deviceID] = append(s.sent[deviceID], v)
	return true
}

func (s *stubNotifier) ConnectionCount() int { return s.count }

func newTestHandler(t *testing.T) (*Handler, *stubNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	devices := registry.NewDeviceRegistry(nil)
	rooms := registry.NewRoomRegistry(nil)
	engine := transfer.NewEngine(&transfer.Governor{})
	notifier := &stubNotifier{}

	return NewHandler(devices, rooms, engine, notifier, t.TempDir()), notifier
}

func serve(h *Handler, register func(*gin.Engine), method, path string) *httptest.ResponseRecorder {
	router := gin.New()
	register(router)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestServerInfo(t *testing.T) {
	h, notifier := newTestHandler(t)
	notifier.count = 3
	h.devices.UpsertOnConnect("dev-1", "Mozilla/5.0")
	_, err := h.rooms.Create("Lounge", "dev-1")
	require.NoError(t, err)

	w := serve(h, func(r *gin.Engine) { r.GET("/api/server-info", h.ServerInfo) },
		http.MethodGet, "/api/server-info")

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["devices"])
	assert.EqualValues(t, 1, body["rooms"])
	assert.EqualValues(t, 3, body["connections"])
	assert.EqualValues(t, 0, body["activeTransfers"])
	assert.EqualValues(t, 0, body["memoryInFlight"])
	assert.Contains(t, body, "memoryInFlightHuman")
	assert.Contains(t, body, "uptime")
}

func TestRooms_CatalogProjection(t *testing.T) {
	h, _ := newTestHandler(t)
	room, err := h.rooms.Create("Shared Files", "dev-1")
	require.NoError(t, err)
	_, err = h.rooms.Join(room.ID, "dev-2")
	require.NoError(t, err)

	w := serve(h, func(r *gin.Engine) { r.GET("/api/rooms", h.Rooms) },
		http.MethodGet, "/api/rooms")

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Rooms []RoomSummary `json:"rooms"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, room.ID, body.Rooms[0].ID)
	assert.Equal(t, "Shared Files", body.Rooms[0].Name)
	assert.Equal(t, "dev-1", body.Rooms[0].CreatedBy)
	assert.Equal(t, 2, body.Rooms[0].MemberCount)
}

func TestRooms_EmptyCatalog(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h, func(r *gin.Engine) { r.GET("/api/rooms", h.Rooms) },
		http.MethodGet, "/api/rooms")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rooms":[]`)
}

func TestDeleteTransfer_NotifiesBothParties(t *testing.T) {
	h, notifier := newTestHandler(t)

	offer, err := h.engine.Offer("sender", protocol.FileTransfer{
		TargetDeviceID: "receiver",
		Files:          []protocol.FileMeta{{Name: "doc.pdf", Size: 1024}},
	})
	require.NoError(t, err)

	w := serve(h, func(r *gin.Engine) { r.DELETE("/api/transfers/:id", h.DeleteTransfer) },
		http.MethodDelete, "/api/transfers/"+offer.ID)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	_, ok := h.engine.Get(offer.ID)
	assert.False(t, ok, "transfer should be erased after force-release")

	require.Len(t, notifier.sent["sender"], 1)
	require.Len(t, notifier.sent["receiver"], 1)
	relay, ok := notifier.sent["sender"][0].(protocol.TransferRelay)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeFileCancel, relay.Type)
	assert.Equal(t, offer.ID, relay.TransferID)
}

func TestDeleteTransfer_Unknown(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h, func(r *gin.Engine) { r.DELETE("/api/transfers/:id", h.DeleteTransfer) },
		http.MethodDelete, "/api/transfers/nope")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIOSHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h, func(r *gin.Engine) { r.GET("/api/ios-health", h.IOSHealth) },
		http.MethodGet, "/api/ios-health")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSafariCheck(t *testing.T) {
	h, _ := newTestHandler(t)
	router := gin.New()
	router.GET("/api/safari-check", h.SafariCheck)

	tests := []struct {
		name      string
		userAgent string
		mobile    bool
		chunkSize int64
	}{
		{
			name:      "desktop chrome",
			userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
			mobile:    false,
			chunkSize: protocol.DefaultChunkSize,
		},
		{
			name:      "iphone safari",
			userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			mobile:    true,
			chunkSize: protocol.MobileChunkSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/safari-check", nil)
			req.Header.Set("User-Agent", tt.userAgent)
			router.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)

			var body struct {
				MobileSafari         bool  `json:"mobileSafari"`
				RecommendedChunkSize int64 `json:"recommendedChunkSize"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.mobile, body.MobileSafari)
			assert.Equal(t, tt.chunkSize, body.RecommendedChunkSize)
		})
	}
}

func TestIOSReconnect(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h, func(r *gin.Engine) { r.POST("/api/ios-reconnect", h.IOSReconnect) },
		http.MethodPost, "/api/ios-reconnect")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestLanding(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h, func(r *gin.Engine) { r.GET("/", h.Landing) },
		http.MethodGet, "/")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "dropbeam")
}
