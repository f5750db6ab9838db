package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/metrics"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Heartbeat and channel tuning. Mobile Safari suspends WebSocket timers
// aggressively in the background, so those sessions get the shorter interval.
const (
	writeWait               = 10 * time.Second
	sendBuffer              = 256
	heartbeatInterval       = 15 * time.Second
	mobileHeartbeatInterval = 10 * time.Second
	activityThreshold       = 30 * time.Second

	// maxMissedPings bounds how many server pings may go unanswered before
	// the channel is closed as inactive.
	maxMissedPings = 3
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// Client is one live WebSocket channel bound to a derived device id.
type Client struct {
	conn         wsConnection
	hub          *Hub
	id           string
	userAgent    string
	remoteAddr   string
	mobileSafari bool
	chunkSize    int64
	connectedAt  time.Time

	lastActivity atomic.Int64 // unix nanos of the last inbound frame

	mu          sync.RWMutex
	closed      bool
	closeReason string

	send chan []byte // Buffered outbound channel; writePump is the only socket writer
	done chan struct{}
}

func (c *Client) DeviceID() string {
	return c.id
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the channel last received an inbound frame.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) heartbeatEvery() time.Duration {
	if c.mobileSafari {
		return mobileHeartbeatInterval
	}
	return heartbeatInterval
}

// Disconnect closes the channel exactly once. Closing send triggers the
// writePump to drain its buffer, emit the close frame and close the socket.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()

	close(c.done)
	close(c.send)
}

// readPump continuously processes incoming WebSocket frames from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	ctx := context.WithValue(context.Background(), logging.DeviceIDKey, c.id)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		// The protocol is JSON text frames only.
		if messageType != websocket.TextMessage {
			continue
		}

		c.touch()
		c.hub.route(ctx, c, data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.String("deviceId", c.id), zap.Error(err))
			return
		}
	}

	c.mu.RLock()
	reason := c.closeReason
	c.mu.RUnlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

// heartbeatLoop emits a server ping when the channel has been quiet for
// longer than the activity threshold. Any inbound frame counts as activity.
// A peer that leaves maxMissedPings pings unanswered gets disconnected.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatEvery())
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.heartbeatTick(&missed) {
				return
			}
		}
	}
}

// heartbeatTick runs one heartbeat interval. It returns false once the
// channel has been closed for missing too many pings in a row.
func (c *Client) heartbeatTick(missed *int) bool {
	if time.Since(c.LastActivity()) < activityThreshold {
		*missed = 0
		return true
	}
	if *missed >= maxMissedPings {
		c.Send(protocol.NewError(protocol.ErrInactivity))
		c.Disconnect(protocol.ErrInactivity)
		return false
	}
	*missed++
	// Same frame shape travels both directions.
	c.Send(protocol.Pong{Type: protocol.TypePing, Timestamp: time.Now().UnixMilli()})
	return true
}

// Send marshals v and queues it on the outbound channel.
func (c *Client) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame", zap.String("deviceId", c.id), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw queues pre-serialized data without blocking the caller.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("deviceId", c.id))
		return
	}
	c.mu.RUnlock()

	// Safety net for the race between the closed check and a concurrent close.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw", zap.String("deviceId", c.id), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full or closed", zap.String("deviceId", c.id))
	}
}
