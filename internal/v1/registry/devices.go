// Package registry holds the process-wide device and room catalogs.
//
// Both registries guard their maps with a single RWMutex each and snapshot a
// projection to disk after every mutation. Locks are never held across
// outbound channel writes; callers gather what they need and send afterwards.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/identity"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/store"
	"go.uber.org/zap"
)

// Expiry policy applied by the janitor.
const (
	DeviceExpiry       = 30 * time.Minute
	PinnedDeviceExpiry = 24 * time.Hour
)

// Device is a logical endpoint identified by a stable derived id. The
// channel binding lives in the hub's connection table, never here; the
// persisted projection therefore excludes Online.
type Device struct {
	ID                 string                      `json:"id"`
	Name               string                      `json:"name"`
	CustomName         string                      `json:"customName,omitempty"`
	Type               identity.DeviceType         `json:"type"`
	Platform           string                      `json:"platform"`
	Browser            string                      `json:"browser"`
	UserAgent          string                      `json:"userAgent"`
	Pinned             bool                        `json:"pinned"`
	LastSeen           time.Time                   `json:"lastSeen"`
	RoomID             string                      `json:"roomId,omitempty"`
	ConnectionStrength identity.ConnectionStrength `json:"connectionStrength,omitempty"`

	Online bool `json:"-"`
}

// DisplayName returns the custom name when set, else the default name.
func (d *Device) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	return d.Name
}

// DeviceRegistry is the process-wide device catalog.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	snap    *store.Snapshot
}

// NewDeviceRegistry creates a registry backed by the given snapshot store.
func NewDeviceRegistry(snap *store.Snapshot) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*Device),
		snap:    snap,
	}
}

// Load restores the persisted catalog. Every device starts offline with no
// bound channel.
func (r *DeviceRegistry) Load() error {
	var catalog []Device
	if err := r.snap.Load(&catalog); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range catalog {
		d := catalog[i]
		d.Online = false
		r.devices[d.ID] = &d
	}
	logging.Info(context.Background(), "Loaded device catalog", zap.Int("devices", len(catalog)))
	return nil
}

// UpsertOnConnect binds a (re)connecting device. Known devices keep their
// customName, pinned flag and room membership; unknown ones get a
// platform-derived default name.
func (r *DeviceRegistry) UpsertOnConnect(id, userAgent string) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &Device{
			ID:                 id,
			Name:               identity.DefaultName(userAgent),
			Type:               identity.DetectDeviceType(userAgent),
			Platform:           identity.DetectPlatform(userAgent),
			Browser:            identity.DetectBrowser(userAgent),
			ConnectionStrength: identity.StrengthGood,
		}
		r.devices[id] = d
	}
	d.UserAgent = userAgent
	d.Online = true
	d.LastSeen = time.Now()

	r.persistLocked()
	return *d
}

// MarkOffline clears the live binding and stamps lastSeen.
func (r *DeviceRegistry) MarkOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return
	}
	d.Online = false
	d.LastSeen = time.Now()
	r.persistLocked()
}

// Get returns a copy of the device record.
func (r *DeviceRegistry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Rename updates both customName and name.
func (r *DeviceRegistry) Rename(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.CustomName = name
	d.Name = name
	r.persistLocked()
	return true
}

// UpdateInfo applies client-reported display fields. Empty fields are left
// untouched.
func (r *DeviceRegistry) UpdateInfo(id, name, customName string, deviceType identity.DeviceType, strength identity.ConnectionStrength) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	if name != "" {
		d.Name = name
	}
	if customName != "" {
		d.CustomName = customName
	}
	if deviceType != "" {
		d.Type = deviceType
	}
	if strength != "" {
		d.ConnectionStrength = strength
	}
	r.persistLocked()
	return true
}

// RefreshPlatform corrects platform metadata from a fresh user agent.
func (r *DeviceRegistry) RefreshPlatform(id, userAgent string) bool {
	if userAgent == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.UserAgent = userAgent
	d.Platform = identity.DetectPlatform(userAgent)
	d.Browser = identity.DetectBrowser(userAgent)
	d.Type = identity.DetectDeviceType(userAgent)
	r.persistLocked()
	return true
}

// TogglePin flips the target's pinned flag, permitted only when both devices
// share a room. Anything else is a silent no-op.
func (r *DeviceRegistry) TogglePin(targetID, byID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.devices[targetID]
	if !ok {
		return false
	}
	by, ok := r.devices[byID]
	if !ok {
		return false
	}
	if target.RoomID == "" || target.RoomID != by.RoomID {
		return false
	}

	target.Pinned = !target.Pinned
	r.persistLocked()
	return true
}

// SetRoom records room membership on the device record.
func (r *DeviceRegistry) SetRoom(id, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return
	}
	d.RoomID = roomID
	r.persistLocked()
}

// Touch refreshes lastSeen without a persistence round trip.
func (r *DeviceRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeen = time.Now()
	}
}

// ExpireStale removes devices past their expiry window (30 min offline,
// 24 h when pinned) and returns them so the caller can detach room
// membership.
func (r *DeviceRegistry) ExpireStale(now time.Time) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Device
	for id, d := range r.devices {
		if d.Online {
			continue
		}
		window := DeviceExpiry
		if d.Pinned {
			window = PinnedDeviceExpiry
		}
		if now.Sub(d.LastSeen) > window {
			expired = append(expired, *d)
			delete(r.devices, id)
		}
	}

	if len(expired) > 0 {
		r.persistLocked()
	}
	return expired
}

// Count returns the catalog size.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns a sorted copy of the catalog.
func (r *DeviceRegistry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.projectionLocked()
}

func (r *DeviceRegistry) projectionLocked() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *DeviceRegistry) persistLocked() {
	if r.snap == nil {
		return
	}
	if err := r.snap.Save(r.projectionLocked()); err != nil {
		logging.Error(context.Background(), "Failed to queue device snapshot", zap.Error(err))
	}
}

// ErrDeviceNotFound is returned by operations addressing an unknown device.
var ErrDeviceNotFound = errors.New("device not found")
