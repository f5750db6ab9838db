package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/identity"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/registry"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/transfer"
)

// ChannelNotifier is the slice of the hub the HTTP surface needs: delivering
// a frame to a device's live channel and counting open channels.
type ChannelNotifier interface {
	SendTo(deviceID string, v any) bool
	ConnectionCount() int
}

// Handler serves the REST surface next to the relay channel: scratch
// uploads, server reports, and capability pings for iOS clients.
type Handler struct {
	devices   *registry.DeviceRegistry
	rooms     *registry.RoomRegistry
	engine    *transfer.Engine
	notifier  ChannelNotifier
	uploadDir string
	startedAt time.Time
}

// NewHandler creates the REST handler.
func NewHandler(devices *registry.DeviceRegistry, rooms *registry.RoomRegistry, engine *transfer.Engine, notifier ChannelNotifier, uploadDir string) *Handler {
	return &Handler{
		devices:   devices,
		rooms:     rooms,
		engine:    engine,
		notifier:  notifier,
		uploadDir: uploadDir,
		startedAt: time.Now(),
	}
}

// ServerInfo handles GET /api/server-info: counts and a memory report.
func (h *Handler) ServerInfo(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	inFlight := h.engine.Governor().InFlight()

	c.JSON(http.StatusOK, gin.H{
		"uptime":              time.Since(h.startedAt).Round(time.Second).String(),
		"devices":             h.devices.Count(),
		"rooms":               h.rooms.Count(),
		"connections":         h.notifier.ConnectionCount(),
		"activeTransfers":     h.engine.ActiveCount(),
		"memoryInFlight":      inFlight,
		"memoryInFlightHuman": humanize.IBytes(uint64(inFlight)),
		"memoryLimit":         int64(transfer.MaxMemory),
		"memoryLimitHuman":    humanize.IBytes(uint64(transfer.MaxMemory)),
		"heapAlloc":           humanize.IBytes(mem.HeapAlloc),
		"goroutines":          runtime.NumGoroutine(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	})
}

// RoomSummary is the catalog projection served by GET /api/rooms. Member ids
// are not exposed, only the count.
type RoomSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	CreatedBy   string    `json:"createdBy"`
	MemberCount int       `json:"memberCount"`
}

// Rooms handles GET /api/rooms.
func (h *Handler) Rooms(c *gin.Context) {
	list := h.rooms.List()
	summaries := make([]RoomSummary, 0, len(list))
	for _, r := range list {
		summaries = append(summaries, RoomSummary{
			ID:          r.ID,
			Name:        r.Name,
			Created:     r.Created,
			CreatedBy:   r.CreatedBy,
			MemberCount: len(r.Members),
		})
	}

	c.JSON(http.StatusOK, gin.H{"rooms": summaries, "count": len(summaries)})
}

// DeleteTransfer handles DELETE /api/transfers/:id, force-releasing a
// transfer's buffers. Both parties get a fileCancel so their UIs settle.
func (h *Handler) DeleteTransfer(c *gin.Context) {
	id := c.Param("id")

	t, err := h.engine.Cancel(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	}

	logging.Info(c.Request.Context(), "Transfer force-released",
		zap.String("transfer_id", t.ID),
		zap.Int64("released_bytes", t.TotalSize))

	if h.notifier != nil {
		h.notifier.SendTo(t.FromDeviceID, protocol.TransferRelay{
			Type:         protocol.TypeFileCancel,
			TransferID:   t.ID,
			FromDeviceID: t.TargetDeviceID,
		})
		h.notifier.SendTo(t.TargetDeviceID, protocol.TransferRelay{
			Type:         protocol.TypeFileCancel,
			TransferID:   t.ID,
			FromDeviceID: t.FromDeviceID,
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "transferId": t.ID})
}

// IOSHealth handles GET /api/ios-health. iOS Safari polls this to decide
// whether the relay is reachable before retrying a dropped channel.
func (h *Handler) IOSHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// SafariCheck handles GET /api/safari-check, echoing what the server
// detected from the User-Agent so clients can confirm their chunk size.
func (h *Handler) SafariCheck(c *gin.Context) {
	ua := c.GetHeader("User-Agent")
	mobileSafari := identity.IsMobileSafari(ua)

	chunkSize := int64(protocol.DefaultChunkSize)
	if mobileSafari {
		chunkSize = protocol.MobileChunkSize
	}

	c.JSON(http.StatusOK, gin.H{
		"mobileSafari":         mobileSafari,
		"browser":              identity.DetectBrowser(ua),
		"platform":             identity.DetectPlatform(ua),
		"recommendedChunkSize": chunkSize,
	})
}

// IOSReconnect handles POST /api/ios-reconnect. The reconnecting client
// re-derives the same device id on its next channel; this just acks.
func (h *Handler) IOSReconnect(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": time.Now().UnixMilli(),
	})
}

const landingPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>dropbeam relay</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
code { background: #f2f2f2; padding: 0.1rem 0.3rem; border-radius: 3px; }
</style>
</head>
<body>
<h1>dropbeam relay</h1>
<p>Room-scoped device-to-device file relay. Connect a client over the
WebSocket endpoint at <code>/ws</code>.</p>
<p>Health: <a href="/health/live">/health/live</a> &middot;
<a href="/health/ready">/health/ready</a> &middot;
Status: <a href="/api/server-info">/api/server-info</a></p>
</body>
</html>
`

// Landing handles GET /.
func (h *Handler) Landing(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(landingPage))
}
