package hub

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"go.uber.org/zap"
)

// Cleanup policy. Devices have their own expiry windows in the registry
// package; transfers and scratch uploads age out here.
const (
	janitorInterval = time.Minute
	idleTimeout     = 5 * time.Minute
	transferExpiry  = time.Hour
	scratchExpiry   = 24 * time.Hour
)

// Janitor periodically reclaims idle channels, stale devices, aged
// transfers and old scratch uploads.
type Janitor struct {
	hub       *Hub
	uploadDir string
	interval  time.Duration
}

func NewJanitor(h *Hub, uploadDir string) *Janitor {
	return &Janitor{hub: h, uploadDir: uploadDir, interval: janitorInterval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(time.Now())
		}
	}
}

func (j *Janitor) sweep(now time.Time) {
	ctx := context.Background()

	// Idle channels get a final notice and a clean close.
	for _, cl := range j.hub.clientsSnapshot() {
		if now.Sub(cl.LastActivity()) > idleTimeout {
			logging.Info(ctx, "Closing idle channel", zap.String("deviceId", cl.id))
			cl.Send(protocol.NewError(protocol.ErrInactivity))
			cl.Disconnect(protocol.ErrInactivity)
		}
	}

	// Stale offline devices leave the catalog and their rooms.
	for _, d := range j.hub.devices.ExpireStale(now) {
		if d.RoomID != "" {
			j.hub.detachFromRoom(d.ID, d.RoomID)
		}
	}

	// Transfers past their lifetime free their buffers.
	if expired := j.hub.engine.ExpireOlderThan(now.Add(-transferExpiry)); len(expired) > 0 {
		logging.Info(ctx, "Expired stale transfers", zap.Int("count", len(expired)))
	}

	j.hub.enforceMemoryPolicy()
	j.sweepScratch(ctx, now)
}

// sweepScratch deletes uploaded files older than the scratch window.
func (j *Janitor) sweepScratch(ctx context.Context, now time.Time) {
	if j.uploadDir == "" {
		return
	}
	entries, err := os.ReadDir(j.uploadDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > scratchExpiry {
			path := filepath.Join(j.uploadDir, e.Name())
			if err := os.Remove(path); err != nil {
				logging.Warn(ctx, "Failed to remove scratch file", zap.String("path", path), zap.Error(err))
			}
		}
	}
}
