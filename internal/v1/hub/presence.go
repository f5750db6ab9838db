package hub

import (
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/metrics"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/registry"
)

// deviceEntry projects a catalog device into its wire shape.
func deviceEntry(d registry.Device, online bool) protocol.DeviceEntry {
	return protocol.DeviceEntry{
		ID:                 d.ID,
		Name:               d.DisplayName(),
		OriginalName:       d.Name,
		Type:               string(d.Type),
		Platform:           d.Platform,
		Browser:            d.Browser,
		Pinned:             d.Pinned,
		Online:             online,
		LastSeen:           d.LastSeen.UnixMilli(),
		ConnectionStrength: string(d.ConnectionStrength),
		HasCustomName:      d.CustomName != "",
	}
}

// presenceEntries builds the device list for a room in join order. Offline
// members stay listed; the entry carries their live state.
func (h *Hub) presenceEntries(room registry.Room) []protocol.DeviceEntry {
	entries := make([]protocol.DeviceEntry, 0, len(room.Members))
	for _, id := range room.Members {
		d, ok := h.devices.Get(id)
		if !ok {
			continue
		}
		_, online := h.clientFor(id)
		entries = append(entries, deviceEntry(d, online))
	}
	return entries
}

// broadcastPresence pushes the full device list to every online member of
// the room and refreshes the member gauge.
func (h *Hub) broadcastPresence(roomID string) {
	room, ok := h.rooms.Get(roomID)
	if !ok {
		metrics.RoomMembers.DeleteLabelValues(roomID)
		return
	}

	frame := protocol.DeviceList{
		Type:    protocol.TypeDeviceList,
		RoomID:  roomID,
		Devices: h.presenceEntries(room),
	}
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(room.Members)))

	for _, id := range room.Members {
		h.sendTo(id, frame)
	}
}

// broadcastToRoom sends one frame to every online member except exceptID.
func (h *Hub) broadcastToRoom(roomID string, v any, exceptID string) {
	room, ok := h.rooms.Get(roomID)
	if !ok {
		return
	}
	for _, id := range room.Members {
		if id == exceptID {
			continue
		}
		h.sendTo(id, v)
	}
}
