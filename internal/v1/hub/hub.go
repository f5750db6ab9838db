// Package hub owns the live WebSocket channels: one connection table keyed
// by derived device id, a frame router, presence broadcasts and the janitor.
//
// The hub never holds its lock across an outbound channel write. Handlers
// mutate the registries and the transfer engine, gather the frames to send,
// and enqueue them afterwards.
package hub

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/identity"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/metrics"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/ratelimit"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/registry"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/transfer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// welcomeDebounce delays the welcome frame so a client reconnecting in a
	// tight loop only sees one. Mobile Safari gets its welcome immediately
	// because backgrounded tabs may never see a delayed frame.
	welcomeDebounce = 100 * time.Millisecond

	// duplicateGrace keeps a superseded channel open long enough for its
	// duplicate_connection notice to flush before the server closes it.
	duplicateGrace = time.Second
)

// Hub is the central coordinator for all live channels.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client // device id -> newest live channel

	devices *registry.DeviceRegistry
	rooms   *registry.RoomRegistry
	engine  *transfer.Engine

	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	welcomeDelay   time.Duration
	dupGrace       time.Duration

	// heapInUse is swapped out in tests to force admission decisions.
	heapInUse func() uint64
}

// NewHub creates a hub and configures it with its dependencies.
func NewHub(devices *registry.DeviceRegistry, rooms *registry.RoomRegistry, engine *transfer.Engine, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		clients:        make(map[string]*Client),
		devices:        devices,
		rooms:          rooms,
		engine:         engine,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
		welcomeDelay:   welcomeDebounce,
		dupGrace:       duplicateGrace,
		heapInUse:      liveHeapBytes,
	}
}

func liveHeapBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// ServeWs admits, upgrades and registers a WebSocket connection.
func (h *Hub) ServeWs(c *gin.Context) {
	// Cheapest checks first: rate limit, then memory admission.
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if h.heapInUse() > transfer.MaxMemory {
		logging.Warn(c.Request.Context(), "Rejecting connection - heap above memory limit")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn)
}

// HandleConnection takes an established WebSocket connection, derives the
// device id and starts the channel pumps.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection) {
	userAgent := c.Request.UserAgent()
	remoteAddr := c.ClientIP()
	acceptLanguage := c.GetHeader("Accept-Language")

	client := h.newClient(conn, userAgent, remoteAddr, acceptLanguage)

	logging.Info(c.Request.Context(), "Device connected",
		zap.String("deviceId", client.id),
		zap.String("addr", logging.RedactAddr(remoteAddr)),
		zap.Bool("mobileSafari", client.mobileSafari))

	h.register(client)

	go client.writePump()
	go client.readPump()
	go client.heartbeatLoop()
}

// newClient builds a channel for the derived device id. The read limit
// leaves room for base64 inflation plus the frame envelope.
func (h *Hub) newClient(conn wsConnection, userAgent, remoteAddr, acceptLanguage string) *Client {
	mobileSafari := identity.IsMobileSafari(userAgent)
	chunkSize := int64(protocol.DefaultChunkSize)
	if mobileSafari {
		chunkSize = protocol.MobileChunkSize
	}

	client := &Client{
		conn:         conn,
		hub:          h,
		id:           identity.DeriveID(userAgent, remoteAddr, acceptLanguage),
		userAgent:    userAgent,
		remoteAddr:   remoteAddr,
		mobileSafari: mobileSafari,
		chunkSize:    chunkSize,
		connectedAt:  time.Now(),
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
	client.touch()
	conn.SetReadLimit(chunkSize*4/3 + 64*1024)
	return client
}

// register binds the channel as the device's newest connection. An existing
// channel for the same id is superseded: both sides are told which one
// survives, then the old one is closed after a short grace period.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	prev := h.clients[client.id]
	h.clients[client.id] = client
	h.mu.Unlock()

	dev := h.devices.UpsertOnConnect(client.id, client.userAgent)
	metrics.IncConnection()

	if prev != nil {
		prev.Send(protocol.DuplicateConnection{
			Type:               protocol.TypeDuplicateConnection,
			KeepThisConnection: false,
			Message:            protocol.ErrDuplicateConnection,
		})
		client.Send(protocol.DuplicateConnection{
			Type:               protocol.TypeDuplicateConnection,
			KeepThisConnection: true,
			Message:            protocol.ErrDuplicateConnection,
		})
		time.AfterFunc(h.dupGrace, func() {
			prev.Disconnect(protocol.ErrDuplicateConnection)
		})
	}

	h.scheduleWelcome(client)

	// A reconnecting device keeps its room membership; let the room see it
	// come back online.
	if dev.RoomID != "" {
		h.broadcastPresence(dev.RoomID)
	}
}

func (h *Hub) clientFor(deviceID string) (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cl, ok := h.clients[deviceID]
	return cl, ok
}

func (h *Hub) clientsSnapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for _, cl := range h.clients {
		out = append(out, cl)
	}
	return out
}

func (h *Hub) scheduleWelcome(client *Client) {
	if client.mobileSafari || h.welcomeDelay <= 0 {
		h.sendWelcome(client)
		return
	}
	time.AfterFunc(h.welcomeDelay, func() {
		// Only the channel that is still current gets the welcome.
		if cur, ok := h.clientFor(client.id); ok && cur == client {
			h.sendWelcome(client)
		}
	})
}

func (h *Hub) sendWelcome(client *Client) {
	client.Send(protocol.NewWelcome(
		client.id,
		client.chunkSize,
		client.heartbeatEvery().Milliseconds(),
		time.Now().UnixMilli(),
	))
}

// SendTo delivers a frame to the device's live channel, if any.
func (h *Hub) SendTo(deviceID string, v any) bool {
	return h.sendTo(deviceID, v)
}

// ConnectionCount reports the number of live channels.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) sendTo(deviceID string, v any) bool {
	cl, ok := h.clientFor(deviceID)
	if !ok {
		return false
	}
	cl.Send(v)
	return true
}

// handleDisconnect runs when a channel's readPump exits. A channel that was
// superseded by a newer connection for the same device tears down silently.
func (h *Hub) handleDisconnect(client *Client) {
	h.mu.Lock()
	superseded := h.clients[client.id] != client
	if !superseded {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()

	if superseded {
		return
	}

	h.devices.MarkOffline(client.id)
	h.failTransfersFor(client.id)

	if dev, ok := h.devices.Get(client.id); ok && dev.RoomID != "" {
		if room, ok := h.rooms.Get(dev.RoomID); ok {
			h.broadcastToRoom(dev.RoomID, protocol.DeviceLeft{
				Type:        protocol.TypeDeviceLeft,
				DeviceID:    client.id,
				DeviceCount: len(room.Members),
			}, client.id)
			h.broadcastPresence(dev.RoomID)
		}
	}

	logging.Info(context.Background(), "Device disconnected",
		zap.String("deviceId", client.id),
		zap.Duration("connectedFor", time.Since(client.connectedAt)))
}

// failTransfersFor errors every non-terminal transfer touching the device
// and tells the surviving party which side went away.
func (h *Hub) failTransfersFor(deviceID string) {
	for _, t := range h.engine.FailPeer(deviceID) {
		if t.FromDeviceID != deviceID {
			h.sendTo(t.FromDeviceID, protocol.NewTransferError(t.ID, protocol.ErrTargetOffline))
		}
		if t.TargetDeviceID != deviceID {
			h.sendTo(t.TargetDeviceID, protocol.NewTransferError(t.ID, protocol.ErrSenderUnavailable))
		}
	}
}

// detachFromRoom removes the device from its room, deleting the room when it
// empties, and lets the remaining members see the departure.
func (h *Hub) detachFromRoom(deviceID, roomID string) (registry.Room, bool) {
	room, deleted, err := h.rooms.Leave(roomID, deviceID)
	if err != nil {
		return registry.Room{}, false
	}
	h.devices.SetRoom(deviceID, "")

	if deleted {
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(roomID)
		return room, true
	}

	h.broadcastToRoom(roomID, protocol.DeviceLeft{
		Type:        protocol.TypeDeviceLeft,
		DeviceID:    deviceID,
		DeviceCount: len(room.Members),
	}, deviceID)
	h.broadcastPresence(roomID)
	return room, false
}

// Shutdown gracefully closes every live channel.
func (h *Hub) Shutdown(ctx context.Context) error {
	clients := h.clientsSnapshot()
	logging.Info(ctx, "Shutting down hub - closing all channels", zap.Int("count", len(clients)))

	for _, cl := range clients {
		cl.Disconnect("Server shutting down")
	}
	return nil
}
