// Package transfer implements the chunked file-transfer state machine and
// the memory governor that bounds concurrent transfers.
package transfer

import (
	"sync"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/metrics"
)

// Resource limits for in-flight transfer buffers.
const (
	MaxMemory              = 500 * 1024 * 1024
	WarningThreshold       = 400 * 1024 * 1024
	MaxConcurrentTransfers = 5
)

// Governor accounts the byte balance of allocated transfer buffers. Every
// allocation is matched by exactly one release on the terminal transition of
// its transfer.
type Governor struct {
	mu       sync.Mutex
	inFlight int64
}

// Allocate accounts size bytes and returns the new balance.
func (g *Governor) Allocate(size int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight += size
	metrics.MemoryInFlight.Set(float64(g.inFlight))
	return g.inFlight
}

// Release deducts size bytes. The engine guarantees at-most-once release per
// transfer; the floor guard only protects against accounting bugs.
func (g *Governor) Release(size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight -= size
	if g.inFlight < 0 {
		g.inFlight = 0
	}
	metrics.MemoryInFlight.Set(float64(g.inFlight))
}

// InFlight returns the current byte balance.
func (g *Governor) InFlight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// OverLimit reports whether the balance exceeds the hard cap.
func (g *Governor) OverLimit() bool {
	return g.InFlight() > MaxMemory
}

// OverWarning reports whether the balance exceeds the warning threshold.
func (g *Governor) OverWarning() bool {
	return g.InFlight() > WarningThreshold
}
