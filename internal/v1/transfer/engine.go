package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/metrics"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status frees buffers and ends the transfer.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Engine errors. The hub maps them onto the wire taxonomy.
var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrTransferExists   = errors.New("transfer id already active")
	ErrTooManyTransfers = errors.New("too many concurrent transfers")
	ErrChunkMismatch    = errors.New("totalChunks diverges between chunks")
	ErrChunkOutOfRange  = errors.New("chunk index out of range")
	ErrBadChunkData     = errors.New("chunk data is not valid base64")
	ErrBadStatus        = errors.New("transfer is not in a state for this operation")
)

// Transfer is one server-mediated file movement between two devices.
type Transfer struct {
	ID             string
	FromDeviceID   string
	TargetDeviceID string
	Files          []protocol.FileMeta
	Timestamp      time.Time
	Status         Status

	TotalSize      int64
	TotalChunks    int
	ReceivedChunks int
	FileName       string
	FileType       string
	StartTime      time.Time
	EndTime        time.Time

	chunks        [][]byte // indexed buffer, allocated on first chunk
	allocatedSize int64
	allocated     bool
	released      bool
}

// ChunkResult reports the outcome of ingesting one chunk.
type ChunkResult struct {
	TransferID     string
	Progress       float64
	ReceivedChunks int
	TotalChunks    int

	Completed bool
	FileName  string
	FileType  string
	FileSize  int64
	FileData  string // assembled base64, set when Completed
}

// Engine owns the active transfers map and drives the per-transfer state
// machine. It never writes to channels itself; callers gather the returned
// state and send after the lock is dropped.
type Engine struct {
	mu        sync.Mutex
	gov       *Governor
	transfers map[string]*Transfer
}

// NewEngine creates an engine backed by the given governor.
func NewEngine(gov *Governor) *Engine {
	return &Engine{
		gov:       gov,
		transfers: make(map[string]*Transfer),
	}
}

// Governor exposes the engine's memory accountant.
func (e *Engine) Governor() *Governor {
	return e.gov
}

// Offer registers a pending transfer. Caller-proposed ids are untrusted:
// a collision with an active transfer is rejected. Offers past the
// concurrency cap are rejected immediately.
func (e *Engine) Offer(fromDeviceID string, req protocol.FileTransfer) (Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCountLocked() >= MaxConcurrentTransfers {
		return Transfer{}, ErrTooManyTransfers
	}

	id := req.TransferID
	if id == "" {
		id = uuid.NewString()
	} else if existing, ok := e.transfers[id]; ok && !existing.Status.Terminal() {
		return Transfer{}, ErrTransferExists
	}

	t := &Transfer{
		ID:             id,
		FromDeviceID:   fromDeviceID,
		TargetDeviceID: req.TargetDeviceID,
		Files:          req.Files,
		Timestamp:      time.Now(),
		Status:         StatusPending,
	}
	if len(req.Files) > 0 {
		t.TotalSize = req.Files[0].Size
		t.FileName = req.Files[0].Name
		t.FileType = req.Files[0].Type
	}
	e.transfers[id] = t
	return *t, nil
}

// Accept moves a pending transfer to accepted.
func (e *Engine) Accept(transferID string) (Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	if t.Status != StatusPending {
		return *t, ErrBadStatus
	}
	t.Status = StatusAccepted
	return *t, nil
}

// Reject terminates a pending transfer and erases it.
func (e *Engine) Reject(transferID string) (Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	e.terminateLocked(t, StatusRejected)
	delete(e.transfers, transferID)
	return *t, nil
}

// Chunk ingests one indexed chunk. The first chunk allocates the buffer and
// accounts the advertised file size to the governor; the final chunk
// assembles the payload, frees the buffers and completes the transfer.
func (e *Engine) Chunk(c protocol.FileChunk) (ChunkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[c.TransferID]
	if !ok || t.Status.Terminal() {
		return ChunkResult{}, ErrTransferNotFound
	}

	if t.TotalChunks == 0 {
		// First chunk seen: its declared totalChunks is authoritative.
		if c.TotalChunks <= 0 {
			e.terminateLocked(t, StatusErrored)
			return ChunkResult{}, ErrChunkMismatch
		}
		size := t.TotalSize
		if size == 0 {
			size = c.FileSize
		}
		t.TotalChunks = c.TotalChunks
		t.chunks = make([][]byte, c.TotalChunks)
		t.allocatedSize = size
		t.allocated = true
		t.Status = StatusStreaming
		t.StartTime = time.Now()
		if t.FileName == "" {
			t.FileName = c.FileName
		}
		if t.FileType == "" {
			t.FileType = c.FileType
		}
		if t.TotalSize == 0 {
			t.TotalSize = c.FileSize
		}
		e.gov.Allocate(size)
		metrics.ActiveTransfers.Inc()
	} else if c.TotalChunks != t.TotalChunks {
		// Divergent totalChunks between chunks is a protocol violation.
		e.terminateLocked(t, StatusErrored)
		return ChunkResult{}, ErrChunkMismatch
	}

	if c.ChunkIndex < 0 || c.ChunkIndex >= t.TotalChunks {
		e.terminateLocked(t, StatusErrored)
		return ChunkResult{}, ErrChunkOutOfRange
	}

	payload, err := base64.StdEncoding.DecodeString(protocol.NormalizeBase64(c.Data))
	if err != nil {
		e.terminateLocked(t, StatusErrored)
		return ChunkResult{}, ErrBadChunkData
	}

	if t.chunks[c.ChunkIndex] == nil {
		t.chunks[c.ChunkIndex] = payload
		t.ReceivedChunks++
	}

	res := ChunkResult{
		TransferID:     t.ID,
		Progress:       float64(t.ReceivedChunks * 100 / t.TotalChunks),
		ReceivedChunks: t.ReceivedChunks,
		TotalChunks:    t.TotalChunks,
		FileName:       t.FileName,
		FileType:       t.FileType,
		FileSize:       t.TotalSize,
	}

	if t.ReceivedChunks == t.TotalChunks {
		res.Completed = true
		res.FileData = e.assembleLocked(t)
		e.terminateLocked(t, StatusCompleted)
	}
	return res, nil
}

// assembleLocked concatenates the chunk payloads in index order and encodes
// them once for delivery.
func (e *Engine) assembleLocked(t *Transfer) string {
	var total int
	for _, c := range t.chunks {
		total += len(c)
	}
	joined := make([]byte, 0, total)
	for _, c := range t.chunks {
		joined = append(joined, c...)
	}
	metrics.BytesRelayed.Add(float64(total))
	return base64.StdEncoding.EncodeToString(joined)
}

// MissingChunks re-emits still-buffered chunks for the requested indices.
// Indices no longer buffered are silently dropped.
func (e *Engine) MissingChunks(transferID string, indices []int) ([]protocol.FileChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok || t.chunks == nil {
		return nil, ErrTransferNotFound
	}

	var out []protocol.FileChunk
	for _, i := range indices {
		if i < 0 || i >= len(t.chunks) || t.chunks[i] == nil {
			continue
		}
		out = append(out, protocol.FileChunk{
			TransferID:  t.ID,
			ChunkIndex:  i,
			TotalChunks: t.TotalChunks,
			Data:        base64.StdEncoding.EncodeToString(t.chunks[i]),
			FileName:    t.FileName,
			FileSize:    t.TotalSize,
			FileType:    t.FileType,
		})
	}
	return out, nil
}

// Complete handles the explicit done signal from either party.
func (e *Engine) Complete(transferID string) (Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	e.terminateLocked(t, StatusCompleted)
	return *t, nil
}

// Cancel aborts a transfer and erases it.
func (e *Engine) Cancel(transferID string) (Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	e.terminateLocked(t, StatusCancelled)
	delete(e.transfers, transferID)
	return *t, nil
}

// Fail moves a transfer to errored and frees its buffers.
func (e *Engine) Fail(transferID string) (Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	e.terminateLocked(t, StatusErrored)
	return *t, nil
}

// FailPeer errors every non-terminal transfer the device participates in,
// as sender or receiver, and returns them for notification.
func (e *Engine) FailPeer(deviceID string) []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed []Transfer
	for _, t := range e.transfers {
		if t.Status.Terminal() {
			continue
		}
		if t.FromDeviceID == deviceID || t.TargetDeviceID == deviceID {
			e.terminateLocked(t, StatusErrored)
			failed = append(failed, *t)
		}
	}
	return failed
}

// ExpireOlderThan erases transfers created before the cutoff, releasing any
// buffers they still hold.
func (e *Engine) ExpireOlderThan(cutoff time.Time) []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []Transfer
	for id, t := range e.transfers {
		if t.Timestamp.Before(cutoff) {
			if !t.Status.Terminal() {
				e.terminateLocked(t, StatusErrored)
			}
			delete(e.transfers, id)
			expired = append(expired, *t)
		}
	}
	return expired
}

// EmergencyCleanup keeps the 5 most recently created transfers and errors
// all older ones, releasing their buffers. Invoked when the governor blows
// past the hard cap.
func (e *Engine) EmergencyCleanup() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := make([]*Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	var evicted []Transfer
	for i, t := range all {
		if i < MaxConcurrentTransfers || t.Status.Terminal() {
			continue
		}
		e.terminateLocked(t, StatusErrored)
		evicted = append(evicted, *t)
	}

	// Still over the hard cap: keep evicting oldest-first until under it.
	for i := len(all) - 1; i >= 0 && e.gov.InFlight() > MaxMemory; i-- {
		t := all[i]
		if t.Status.Terminal() {
			continue
		}
		e.terminateLocked(t, StatusErrored)
		evicted = append(evicted, *t)
	}

	logging.Warn(context.Background(), "Emergency transfer cleanup",
		zap.Int("evicted", len(evicted)),
		zap.Int64("memory_in_flight", e.gov.InFlight()))
	return evicted
}

// Get returns a copy of a transfer.
func (e *Engine) Get(transferID string) (Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[transferID]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// ActiveCount returns the number of non-terminal transfers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCountLocked()
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, t := range e.transfers {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// terminateLocked applies a terminal status and releases buffers exactly
// once; re-entrant terminal transitions are no-ops for the accounting.
func (e *Engine) terminateLocked(t *Transfer, s Status) {
	if !t.Status.Terminal() {
		t.Status = s
		t.EndTime = time.Now()
	}
	if t.allocated && !t.released {
		e.gov.Release(t.allocatedSize)
		t.released = true
		metrics.ActiveTransfers.Dec()
	}
	t.chunks = nil
}
