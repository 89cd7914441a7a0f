// Package snapshot implements the per-room snapshot ring: periodic
// binary-encoded captures of graph state, capped at a fixed retention
// count, pushed best-effort to durable storage.
package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/logging"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// ErrSnapshotTooLarge is returned by CreateSnapshot when the encoded
// state exceeds the configured maximum size.
var ErrSnapshotTooLarge = errors.New("snapshot: too large")

// Record is one entry in the in-memory ring; it is the in-process
// counterpart of storage.SnapshotRow.
type Record struct {
	ID           string
	Data         []byte
	ElementCount int
	CreatedAt    time.Time
}

// Manager owns one room's snapshot ring. The ring is authoritative while
// the room is active; durable storage is a best-effort backstop for
// crash recovery, not the source of truth.
type Manager struct {
	mu            sync.Mutex
	roomID        string
	keep          int
	interval      time.Duration
	maxSize       int
	clk           clock.Clock
	store         storage.Port
	ring          []Record
	lastSnapshot  time.Time
	hasSnapshot   bool
	versionAtLast uint64
}

// Config bundles the tunables; all have spec-mandated defaults.
type Config struct {
	Keep     int           // SnapshotsToKeep, default 10
	Interval time.Duration // SnapshotInterval, default 25s
	MaxSize  int           // MaxSnapshotSize, default 10MiB
}

func NewManager(roomID string, cfg Config, clk clock.Clock, store storage.Port) *Manager {
	if clk == nil {
		clk = clock.Real
	}
	return &Manager{roomID: roomID, keep: cfg.Keep, interval: cfg.Interval, maxSize: cfg.MaxSize, clk: clk, store: store}
}

// versionSum is a cheap, order-independent fingerprint of every element's
// version; any mutation changes it, which is all ShouldSnapshot needs to
// detect "at least one version has advanced".
func versionSum(state types.GraphState) uint64 {
	var sum uint64
	for _, t := range state.Tables {
		sum += t.Version*31 + uint64(t.NodeId)
	}
	for _, r := range state.Relationships {
		sum += r.Version*37 + uint64(r.EdgeId)
	}
	return sum
}

// ShouldSnapshot reports whether the periodic tick should call
// CreateSnapshot: the interval has elapsed AND at least one element
// version has advanced since the last snapshot.
func (m *Manager) ShouldSnapshot(state types.GraphState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSnapshot {
		return true
	}
	if m.clk.Now().Sub(m.lastSnapshot) < m.interval {
		return false
	}
	return versionSum(state) != m.versionAtLast
}

// CreateSnapshot encodes state via the binary codec, rejects it with
// ErrSnapshotTooLarge over the configured cap, appends to the ring
// (evicting from the head once len > keep), and best-effort pushes the
// bytes and metadata to durable storage.
func (m *Manager) CreateSnapshot(ctx context.Context, state types.GraphState) (Record, error) {
	data, err := protocol.EncodeGraphState(state)
	if err != nil {
		return Record{}, err
	}
	if m.maxSize > 0 && len(data) > m.maxSize {
		return Record{}, ErrSnapshotTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	rec := Record{
		ID:           uuid.New().String(),
		Data:         data,
		ElementCount: len(state.Tables) + len(state.Relationships),
		CreatedAt:    now,
	}

	m.ring = append(m.ring, rec)
	if m.keep > 0 {
		for len(m.ring) > m.keep {
			m.ring = m.ring[1:]
		}
	}
	m.lastSnapshot = now
	m.hasSnapshot = true
	m.versionAtLast = versionSum(state)

	if m.store != nil {
		go func() {
			err := m.store.PersistSnapshot(context.Background(), m.roomID, storage.SnapshotRow{
				ID: rec.ID, SnapshotData: data, ElementCount: rec.ElementCount, CreatedAt: now, SizeBytes: len(data),
			})
			if err != nil {
				logging.Warn(context.Background(), "snapshot persistence failed, in-memory ring remains authoritative")
			}
		}()
	}

	return rec, nil
}

// GetLatest returns the most recent ring entry, if any.
func (m *Manager) GetLatest() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return Record{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// RestoreFromLatest decodes the most recent snapshot back into a
// GraphState, for recovery after the process restarts without a warm
// in-memory ring (the ring itself has nothing to restore from in that
// case; this path is for loading the durable copy back in).
func RestoreFromLatest(data []byte) (types.GraphState, error) {
	return protocol.DecodeGraphState(data)
}
