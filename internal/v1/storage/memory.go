package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryPort is a plain map+mutex Port for single-instance/dev mode,
// substituted automatically when Redis is disabled, matching the
// teacher's bus:nil single-instance fallback.
type MemoryPort struct {
	mu             sync.Mutex
	sessions       map[string]*sessionRecord
	activeDiagram  map[string]string
	participants   map[string]*participantRecord
	snapshots      map[string][]snapshotRecord
}

func NewMemoryPort() *MemoryPort {
	return &MemoryPort{
		sessions:      make(map[string]*sessionRecord),
		activeDiagram: make(map[string]string),
		participants:  make(map[string]*participantRecord),
		snapshots:     make(map[string][]snapshotRecord),
	}
}

func (m *MemoryPort) CreateRoomSession(ctx context.Context, row RoomSessionRow) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.activeDiagram[row.DiagramID]; ok {
		return "", &ErrAlreadyActive{ExistingRoomID: existing}
	}

	id := row.RoomID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	m.sessions[id] = &sessionRecord{
		ID: id, DiagramID: row.DiagramID, OwnerID: row.OwnerID, Name: row.Name,
		MaxUsers: row.MaxUsers, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	m.activeDiagram[row.DiagramID] = id
	return id, nil
}

func (m *MemoryPort) EndRoomSession(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[roomID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.IsActive = false
	rec.EndedAt = &now
	rec.UpdatedAt = now
	delete(m.activeDiagram, rec.DiagramID)
	return nil
}

func (m *MemoryPort) RecordParticipantJoin(ctx context.Context, roomID, userID, displayName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.participants[id] = &participantRecord{
		ID: id, SessionID: roomID, UserID: userID, DisplayName: displayName, JoinedAt: time.Now(),
	}
	return id, nil
}

func (m *MemoryPort) RecordParticipantLeave(ctx context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.participants[participantID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.LeftAt = &now
	return nil
}

func (m *MemoryPort) PersistSnapshot(ctx context.Context, roomID string, snap SnapshotRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	list := append([]snapshotRecord{{
		ID: snap.ID, SnapshotData: snap.SnapshotData, ElementCount: snap.ElementCount,
		CreatedAt: snap.CreatedAt, SizeBytes: snap.SizeBytes,
	}}, m.snapshots[roomID]...)
	if len(list) > snapshotsToKeep {
		list = list[:snapshotsToKeep]
	}
	m.snapshots[roomID] = list
	return nil
}

func (m *MemoryPort) LatestSnapshot(ctx context.Context, roomID string) (SnapshotRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.snapshots[roomID]
	if len(list) == 0 {
		return SnapshotRow{}, false, nil
	}
	rec := list[0]
	return SnapshotRow{ID: rec.ID, SnapshotData: rec.SnapshotData, ElementCount: rec.ElementCount, CreatedAt: rec.CreatedAt, SizeBytes: rec.SizeBytes}, true, nil
}

func (m *MemoryPort) TrackRateLimitWindow(ctx context.Context, roomID, userID string, count int, windowStart, windowEnd time.Time) error {
	// Dev-mode fallback: the distributed rate limiter already governs
	// HTTP/connect-time limits via its own store; this is a no-op audit
	// trail stand-in when Redis is disabled.
	return nil
}

func (m *MemoryPort) EndSessionsForDiagram(ctx context.Context, diagramID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.activeDiagram[diagramID]
	if !ok {
		return nil
	}
	if rec, ok := m.sessions[id]; ok {
		now := time.Now()
		rec.IsActive = false
		rec.EndedAt = &now
	}
	delete(m.activeDiagram, diagramID)
	return nil
}

func (m *MemoryPort) Ping(ctx context.Context) error { return nil }

var _ Port = (*MemoryPort)(nil)
var _ Port = (*RedisPort)(nil)
