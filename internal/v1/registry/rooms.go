package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Room lookup errors surface verbatim in roomError frames.
var (
	ErrRoomNameEmpty     = errors.New("RoomNameEmpty")
	ErrRoomNotFound      = errors.New("RoomNotFound")
	ErrRoomAlreadyExists = errors.New("RoomAlreadyExists")
)

// Room is a named multicast scope. Names display case-preserving but are
// unique under case-folded, whitespace-trimmed comparison.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"createdBy"`
	Members   []string  `json:"members"`
}

// HasMember reports whether the device is in the member set.
func (r *Room) HasMember(deviceID string) bool {
	for _, id := range r.Members {
		if id == deviceID {
			return true
		}
	}
	return false
}

// foldName is the uniqueness key: Unicode-lowercased and trimmed.
func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RoomRegistry is the process-wide room catalog.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byName map[string]string // folded name -> room id
	snap   *store.Snapshot
}

// NewRoomRegistry creates a registry backed by the given snapshot store.
func NewRoomRegistry(snap *store.Snapshot) *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]*Room),
		byName: make(map[string]string),
		snap:   snap,
	}
}

// Load restores the persisted catalog.
func (r *RoomRegistry) Load() error {
	var catalog []Room
	if err := r.snap.Load(&catalog); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range catalog {
		room := catalog[i]
		if room.Members == nil {
			room.Members = []string{}
		}
		r.rooms[room.ID] = &room
		r.byName[foldName(room.Name)] = room.ID
	}
	logging.Info(context.Background(), "Loaded room catalog", zap.Int("rooms", len(catalog)))
	return nil
}

// Create mints a new room with the creator as first member.
func (r *RoomRegistry) Create(name, byID string) (Room, error) {
	folded := foldName(name)
	if folded == "" {
		return Room{}, ErrRoomNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[folded]; exists {
		return Room{}, ErrRoomAlreadyExists
	}

	room := &Room{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Created:   time.Now(),
		CreatedBy: byID,
		Members:   []string{byID},
	}
	r.rooms[room.ID] = room
	r.byName[folded] = room.ID

	r.persistLocked()
	return *room, nil
}

// Join adds a device to a room addressed by server-minted id or display name.
func (r *RoomRegistry) Join(nameOrID, byID string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.lookupLocked(nameOrID)
	if room == nil {
		return Room{}, ErrRoomNotFound
	}

	if !room.HasMember(byID) {
		room.Members = append(room.Members, byID)
		r.persistLocked()
	}
	return *room, nil
}

// Leave removes the device from its room. A room with no members left is
// deleted in the same critical section. Returns the room state after removal
// and whether it was deleted.
func (r *RoomRegistry) Leave(roomID, deviceID string) (Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return Room{}, false, ErrRoomNotFound
	}

	removed := false
	for i, id := range room.Members {
		if id == deviceID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return *room, false, nil
	}

	deleted := false
	if len(room.Members) == 0 {
		delete(r.rooms, room.ID)
		delete(r.byName, foldName(room.Name))
		deleted = true
	}

	r.persistLocked()
	return *room, deleted, nil
}

// Get returns a copy of the room by id.
func (r *RoomRegistry) Get(id string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	return *room, true
}

// Lookup resolves a room by id or folded name.
func (r *RoomRegistry) Lookup(nameOrID string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.lookupLocked(nameOrID)
	if room == nil {
		return Room{}, false
	}
	return *room, true
}

func (r *RoomRegistry) lookupLocked(nameOrID string) *Room {
	if room, ok := r.rooms[nameOrID]; ok {
		return room
	}
	if id, ok := r.byName[foldName(nameOrID)]; ok {
		return r.rooms[id]
	}
	return nil
}

// List returns a sorted copy of the catalog.
func (r *RoomRegistry) List() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.projectionLocked()
}

// Count returns the number of rooms.
func (r *RoomRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *RoomRegistry) projectionLocked() []Room {
	out := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		cp := *room
		cp.Members = append([]string(nil), room.Members...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *RoomRegistry) persistLocked() {
	if r.snap == nil {
		return
	}
	if err := r.snap.Save(r.projectionLocked()); err != nil {
		logging.Error(context.Background(), "Failed to queue room snapshot", zap.Error(err))
	}
}
