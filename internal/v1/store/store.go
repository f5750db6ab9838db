// Package store persists registry catalogs as JSON snapshots on disk.
//
// Writes are asynchronous and coalesced through a single writer goroutine per
// file: a snapshot queued while another is being written simply replaces the
// pending one. Write failures retry with bounded backoff. A corrupt catalog
// on read is truncated to an empty one rather than halting startup.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"go.uber.org/zap"
)

const (
	writeRetries     = 3
	writeBackoffBase = 50 * time.Millisecond
)

// Snapshot is a single-file catalog writer.
type Snapshot struct {
	path string

	mu      sync.Mutex
	pending []byte // latest queued snapshot, nil when drained

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open prepares a snapshot writer for path and starts its writer goroutine.
// The parent directory is created if missing.
func Open(path string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &Snapshot{
		path: path,
		kick: make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// Save marshals v and queues it for writing. The newest snapshot wins; a
// snapshot queued while a write is in flight replaces any not-yet-written one.
func (s *Snapshot) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending = data
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Load reads the catalog into v. A missing file leaves v untouched. A corrupt
// file is truncated to an empty catalog and reported as a clean load.
func (s *Snapshot) Load(v any) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		logging.Warn(s.ctx, "Corrupt catalog, truncating to empty",
			zap.String("path", s.path), zap.Error(err))
		if werr := os.WriteFile(s.path, []byte("[]"), 0o644); werr != nil {
			return werr
		}
		return nil
	}
	return nil
}

// Close flushes any pending snapshot synchronously and stops the writer.
func (s *Snapshot) Close() {
	s.cancel()
	s.wg.Wait()
	s.flush()
}

func (s *Snapshot) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
			s.flush()
		}
	}
}

// flush writes the pending snapshot, retrying transient errors (file locked,
// slow disk) with bounded backoff.
func (s *Snapshot) flush() {
	s.mu.Lock()
	data := s.pending
	s.pending = nil
	s.mu.Unlock()

	if data == nil {
		return
	}

	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err = s.writeAtomic(data); err == nil {
			return
		}
		time.Sleep(writeBackoffBase << attempt)
	}
	logging.Error(s.ctx, "Failed to persist catalog",
		zap.String("path", s.path), zap.Error(err))
}

// writeAtomic writes to a sibling temp file and renames it into place so a
// crash mid-write never leaves a truncated catalog.
func (s *Snapshot) writeAtomic(data []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
