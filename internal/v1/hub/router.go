package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/identity"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/metrics"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/transfer"
	"go.uber.org/zap"
)

// staleTransferAge is how old a transfer must be before the warning-level
// memory sweep reclaims it.
const staleTransferAge = 5 * time.Minute

// route decodes the frame discriminator and dispatches to a handler. One bad
// frame never takes down the channel: decode failures answer with an error
// frame and the connection stays open.
func (h *Hub) route(ctx context.Context, c *Client, raw []byte) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Recovered from panic in frame handler", zap.Any("panic", r))
			c.Send(protocol.NewError(protocol.ErrMalformedFrame))
		}
	}()

	frameType, err := protocol.FrameType(raw)
	if err != nil || frameType == "" {
		metrics.FramesProcessed.WithLabelValues("unknown", "error").Inc()
		c.Send(protocol.NewError(protocol.ErrMalformedFrame))
		return
	}

	err = h.dispatch(ctx, c, frameType, raw)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.FramesProcessed.WithLabelValues(frameType, status).Inc()
	metrics.FrameProcessingDuration.WithLabelValues(frameType).Observe(time.Since(start).Seconds())
}

func (h *Hub) dispatch(ctx context.Context, c *Client, frameType string, raw []byte) error {
	switch frameType {
	case protocol.TypeClientIdentify:
		return h.handleClientIdentify(ctx, c, raw)
	case protocol.TypeDeviceInfo:
		return h.handleDeviceInfo(ctx, c, raw)
	case protocol.TypeUpdateDeviceName:
		return h.handleUpdateDeviceName(ctx, c, raw)
	case protocol.TypeCreateRoom:
		return h.handleCreateRoom(ctx, c, raw)
	case protocol.TypeJoinRoom:
		return h.handleJoinRoom(ctx, c, raw)
	case protocol.TypeLeaveRoom:
		return h.handleLeaveRoom(ctx, c)
	case protocol.TypeFileTransfer:
		return h.handleFileTransfer(ctx, c, raw)
	case protocol.TypeTransferAccepted:
		return h.handleTransferDecision(ctx, c, raw, true)
	case protocol.TypeTransferRejected:
		return h.handleTransferDecision(ctx, c, raw, false)
	case protocol.TypeFileChunk:
		return h.handleFileChunk(ctx, c, raw)
	case protocol.TypeFileComplete:
		return h.handleFileComplete(ctx, c, raw)
	case protocol.TypeFileProgress:
		return h.handleFileProgress(ctx, c, raw)
	case protocol.TypeRequestMissingChunks:
		return h.handleRequestMissingChunks(ctx, c, raw)
	case protocol.TypeRequestFileDownload:
		return h.handleRequestFileDownload(ctx, c, raw)
	case protocol.TypeTogglePinDevice:
		return h.handleTogglePin(ctx, c, raw)
	case protocol.TypeFileCancel:
		return h.handleFileCancel(ctx, c, raw)
	case protocol.TypePing:
		return h.handlePing(c, raw)
	default:
		logging.Warn(ctx, "Unknown frame type", zap.String("frameType", frameType))
		c.Send(protocol.NewError(protocol.ErrUnknownMessageType))
		return errors.New("unknown frame type")
	}
}

func decodeFrame(c *Client, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		c.Send(protocol.NewError(protocol.ErrMalformedFrame))
		return err
	}
	return nil
}

// --- Identity and presence ---

func (h *Hub) handleClientIdentify(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.ClientIdentify
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	userAgent := msg.UserAgent
	if userAgent == "" {
		userAgent = c.userAgent
	}
	h.devices.RefreshPlatform(c.id, userAgent)
	if msg.ConnectionStrength != "" {
		h.devices.UpdateInfo(c.id, "", "", "", identity.ConnectionStrength(msg.ConnectionStrength))
	}

	// The stronger identity arrived; re-welcome immediately so the client can
	// reconcile its id without waiting out the debounce.
	h.sendWelcome(c)

	if dev, ok := h.devices.Get(c.id); ok && dev.RoomID != "" {
		h.broadcastPresence(dev.RoomID)
	}
	return nil
}

func (h *Hub) handleDeviceInfo(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.DeviceInfo
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	h.devices.UpdateInfo(c.id, msg.Name, msg.CustomName,
		identity.DeviceType(msg.DeviceType), identity.ConnectionStrength(msg.ConnectionStrength))

	if dev, ok := h.devices.Get(c.id); ok && dev.RoomID != "" {
		h.broadcastPresence(dev.RoomID)
	}
	return nil
}

func (h *Hub) handleUpdateDeviceName(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.UpdateDeviceName
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	if !h.devices.Rename(c.id, msg.Name) {
		c.Send(protocol.NewError(protocol.ErrMalformedFrame))
		return errors.New("rename rejected")
	}

	updated := protocol.DeviceNameUpdated{
		Type:     protocol.TypeDeviceNameUpdated,
		DeviceID: c.id,
		Name:     msg.Name,
	}
	c.Send(updated)

	if dev, ok := h.devices.Get(c.id); ok && dev.RoomID != "" {
		h.broadcastToRoom(dev.RoomID, updated, c.id)
		h.broadcastPresence(dev.RoomID)
	}
	return nil
}

// --- Rooms ---

func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.CreateRoom
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	room, err := h.rooms.Create(msg.RoomName, c.id)
	if err != nil {
		c.Send(protocol.NewRoomError(err.Error()))
		return err
	}

	h.devices.SetRoom(c.id, room.ID)
	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("roomId", room.ID), zap.String("roomName", room.Name))

	// The ack rides the creator's channel before its first device list.
	c.Send(protocol.RoomAck{
		Type:        protocol.TypeRoomCreated,
		RoomID:      room.ID,
		RoomName:    room.Name,
		DeviceCount: len(room.Members),
	})
	h.broadcastPresence(room.ID)
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.JoinRoom
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	key := msg.RoomID
	if key == "" {
		key = msg.RoomName
	}

	prevRoomID := ""
	if dev, ok := h.devices.Get(c.id); ok {
		prevRoomID = dev.RoomID
	}

	room, err := h.rooms.Join(key, c.id)
	if err != nil {
		// A failed join leaves the current membership untouched.
		c.Send(protocol.NewRoomError(err.Error()))
		return err
	}

	// Joining a different room implicitly leaves the current one, but only
	// once the new membership holds.
	if prevRoomID != "" && prevRoomID != room.ID {
		h.detachFromRoom(c.id, prevRoomID)
	}

	h.devices.SetRoom(c.id, room.ID)

	c.Send(protocol.RoomAck{
		Type:        protocol.TypeRoomJoined,
		RoomID:      room.ID,
		RoomName:    room.Name,
		DeviceCount: len(room.Members),
	})

	if dev, ok := h.devices.Get(c.id); ok {
		_, online := h.clientFor(dev.ID)
		h.broadcastToRoom(room.ID, protocol.DeviceJoined{
			Type:        protocol.TypeDeviceJoined,
			Device:      deviceEntry(dev, online),
			DeviceCount: len(room.Members),
		}, c.id)
	}
	h.broadcastPresence(room.ID)
	return nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client) error {
	dev, ok := h.devices.Get(c.id)
	if !ok || dev.RoomID == "" {
		c.Send(protocol.NewRoomError(protocol.ErrRoomNotFound))
		return errors.New("not in a room")
	}

	room, _ := h.detachFromRoom(c.id, dev.RoomID)
	c.Send(protocol.RoomAck{
		Type:        protocol.TypeRoomLeft,
		RoomID:      room.ID,
		RoomName:    room.Name,
		DeviceCount: len(room.Members),
	})
	return nil
}

// --- Transfers ---

func (h *Hub) handleFileTransfer(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.FileTransfer
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	if msg.TargetDeviceID == "" || len(msg.Files) == 0 {
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrMalformedFrame))
		return errors.New("incomplete transfer offer")
	}
	for _, f := range msg.Files {
		if f.Size > protocol.MaxFileSize {
			c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrMemoryExhausted))
			return errors.New("file exceeds size limit")
		}
	}

	sender, _ := h.devices.Get(c.id)
	target, ok := h.devices.Get(msg.TargetDeviceID)
	if !ok {
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrTargetNotFound))
		return errors.New("target not found")
	}
	targetClient, online := h.clientFor(msg.TargetDeviceID)
	if !online {
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrTargetOffline))
		return errors.New("target offline")
	}
	if sender.RoomID == "" || sender.RoomID != target.RoomID {
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrCrossRoomTransfer))
		return errors.New("cross-room transfer")
	}

	t, err := h.engine.Offer(c.id, msg)
	switch {
	case errors.Is(err, transfer.ErrTooManyTransfers):
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrMemoryExhausted))
		return err
	case errors.Is(err, transfer.ErrTransferExists):
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrDuplicateTransfer))
		return err
	case err != nil:
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrMalformedFrame))
		return err
	}

	logging.Info(ctx, "Transfer offered",
		zap.String("transferId", t.ID),
		zap.String("to", t.TargetDeviceID),
		zap.Int64("totalSize", t.TotalSize))

	c.Send(protocol.TransferStarted{
		Type:           protocol.TypeTransferStarted,
		TransferID:     t.ID,
		TargetDeviceID: t.TargetDeviceID,
	})
	targetClient.Send(protocol.IncomingFile{
		Type:         protocol.TypeIncomingFile,
		TransferID:   t.ID,
		FromDeviceID: c.id,
		FromName:     sender.DisplayName(),
		Files:        t.Files,
		TotalSize:    t.TotalSize,
	})
	return nil
}

func (h *Hub) handleTransferDecision(ctx context.Context, c *Client, raw []byte, accepted bool) error {
	var msg protocol.TransferDecision
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	var t transfer.Transfer
	var err error
	relayType := protocol.TypeTransferAccepted
	if accepted {
		t, err = h.engine.Accept(msg.TransferID)
	} else {
		t, err = h.engine.Reject(msg.TransferID)
		relayType = protocol.TypeTransferRejected
	}
	if err != nil {
		// Decisions for unknown or already-settled transfers are dropped.
		logging.GetLogger().Debug("Stale transfer decision", zap.String("transferId", msg.TransferID), zap.Error(err))
		return err
	}

	h.sendTo(t.FromDeviceID, protocol.TransferRelay{
		Type:         relayType,
		TransferID:   t.ID,
		FromDeviceID: c.id,
	})
	return nil
}

func (h *Hub) handleFileChunk(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.FileChunk
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	res, err := h.engine.Chunk(msg)
	if errors.Is(err, transfer.ErrTransferNotFound) {
		// Stray chunk for an expired or cancelled transfer; drop it.
		logging.GetLogger().Debug("Dropping chunk for unknown transfer", zap.String("transferId", msg.TransferID))
		return err
	}
	if err != nil {
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrAssemblyFailed))
		return err
	}

	c.Send(protocol.UploadProgress{
		Type:           protocol.TypeUploadProgress,
		TransferID:     res.TransferID,
		Progress:       res.Progress,
		ReceivedChunks: res.ReceivedChunks,
		TotalChunks:    res.TotalChunks,
	})

	if res.Completed {
		h.deliverAssembled(ctx, c, res)
	}

	h.enforceMemoryPolicy()
	return nil
}

// deliverAssembled pushes the reassembled payload to the receiver and
// confirms completion to the sender.
func (h *Hub) deliverAssembled(ctx context.Context, sender *Client, res transfer.ChunkResult) {
	t, ok := h.engine.Get(res.TransferID)
	if !ok {
		return
	}

	delivered := h.sendTo(t.TargetDeviceID, protocol.FileCompleteOut{
		Type:       protocol.TypeFileComplete,
		TransferID: res.TransferID,
		FileName:   res.FileName,
		FileType:   res.FileType,
		FileSize:   res.FileSize,
		FileData:   res.FileData,
	})
	if !delivered {
		sender.Send(protocol.NewTransferError(res.TransferID, protocol.ErrTargetOffline))
		return
	}

	sender.Send(protocol.TransferComplete{
		Type:       protocol.TypeTransferComplete,
		TransferID: res.TransferID,
	})
	logging.Info(ctx, "Transfer delivered",
		zap.String("transferId", res.TransferID),
		zap.Int64("fileSize", res.FileSize))
}

// enforceMemoryPolicy runs after every buffered chunk. Past the warning
// threshold stale transfers are reclaimed; past the hard limit the engine
// evicts until the balance is back under it.
func (h *Hub) enforceMemoryPolicy() {
	gov := h.engine.Governor()
	switch {
	case gov.OverLimit():
		for _, t := range h.engine.EmergencyCleanup() {
			h.sendTo(t.FromDeviceID, protocol.NewTransferError(t.ID, protocol.ErrMemoryExhausted))
			h.sendTo(t.TargetDeviceID, protocol.NewTransferError(t.ID, protocol.ErrMemoryExhausted))
		}
		// Under hard memory pressure, channels quiet past the activity
		// threshold are closed too, not just their transfers.
		for _, cl := range h.clientsSnapshot() {
			if time.Since(cl.LastActivity()) > activityThreshold {
				cl.Send(protocol.NewError(protocol.ErrInactivity))
				cl.Disconnect(protocol.ErrInactivity)
			}
		}
	case gov.OverWarning():
		for _, t := range h.engine.ExpireOlderThan(time.Now().Add(-staleTransferAge)) {
			h.sendTo(t.FromDeviceID, protocol.NewTransferError(t.ID, protocol.ErrMemoryExhausted))
			h.sendTo(t.TargetDeviceID, protocol.NewTransferError(t.ID, protocol.ErrMemoryExhausted))
		}
	}
}

func (h *Hub) handleFileComplete(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.TransferDecision
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}
	// Receiver-side confirmation; the transfer may already be terminal.
	_, _ = h.engine.Complete(msg.TransferID)
	return nil
}

func (h *Hub) handleFileProgress(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.FileProgress
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	t, ok := h.engine.Get(msg.TransferID)
	if !ok {
		return errors.New("unknown transfer")
	}
	h.sendTo(t.FromDeviceID, protocol.TransferProgress{
		Type:       protocol.TypeTransferProgress,
		TransferID: msg.TransferID,
		Progress:   msg.Progress,
	})
	return nil
}

func (h *Hub) handleRequestMissingChunks(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.RequestMissingChunks
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	chunks, err := h.engine.MissingChunks(msg.TransferID, msg.MissingChunks)
	if err != nil {
		c.Send(protocol.NewTransferError(msg.TransferID, protocol.ErrAssemblyFailed))
		return err
	}

	for _, chunk := range chunks {
		c.Send(protocol.ChunkResend{Type: protocol.TypeFileChunk, FileChunk: chunk})
	}
	return nil
}

func (h *Hub) handleRequestFileDownload(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.TransferDecision
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	t, ok := h.engine.Get(msg.TransferID)
	if !ok {
		c.Send(protocol.DownloadError{
			Type:       protocol.TypeDownloadError,
			TransferID: msg.TransferID,
			Message:    protocol.ErrTargetNotFound,
		})
		return errors.New("unknown transfer")
	}

	// Only the receiver of an accepted offer may pull the payload. Knowing a
	// transfer id is not enough.
	if c.id != t.TargetDeviceID || t.Status == transfer.StatusPending {
		c.Send(protocol.DownloadError{
			Type:       protocol.TypeDownloadError,
			TransferID: msg.TransferID,
			Message:    protocol.ErrTargetNotFound,
		})
		return errors.New("requester is not the accepted receiver")
	}

	// Ask the sender to push the payload toward the requester.
	if !h.sendTo(t.FromDeviceID, protocol.SendFileData{
		Type:           protocol.TypeSendFileData,
		TransferID:     t.ID,
		TargetDeviceID: c.id,
	}) {
		c.Send(protocol.DownloadError{
			Type:       protocol.TypeDownloadError,
			TransferID: msg.TransferID,
			Message:    protocol.ErrSenderUnavailable,
		})
		return errors.New("sender unavailable")
	}
	return nil
}

func (h *Hub) handleTogglePin(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.TogglePinDevice
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	if h.devices.TogglePin(msg.TargetDeviceID, c.id) {
		if dev, ok := h.devices.Get(c.id); ok && dev.RoomID != "" {
			h.broadcastPresence(dev.RoomID)
		}
	}
	return nil
}

func (h *Hub) handleFileCancel(ctx context.Context, c *Client, raw []byte) error {
	var msg protocol.TransferDecision
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	t, err := h.engine.Cancel(msg.TransferID)
	if err != nil {
		return err
	}

	counterpart := t.TargetDeviceID
	if c.id != t.FromDeviceID {
		counterpart = t.FromDeviceID
	}
	h.sendTo(counterpart, protocol.TransferRelay{
		Type:         protocol.TypeFileCancel,
		TransferID:   t.ID,
		FromDeviceID: c.id,
	})
	return nil
}

func (h *Hub) handlePing(c *Client, raw []byte) error {
	var msg protocol.Ping
	if err := decodeFrame(c, raw, &msg); err != nil {
		return err
	}

	h.devices.Touch(c.id)
	ts := msg.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	c.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: ts})
	return nil
}
