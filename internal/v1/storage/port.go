// Package storage defines the persistence port the collaboration core
// reads and writes through, and two implementations: a Redis-backed Port
// guarded by a circuit breaker, and an in-memory Port for single-instance
// or dev mode. Neither the room nor the registry package talks to Redis
// directly; they hold a Port.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable is returned (never panicked) when the circuit
// breaker is open or the backing store is unreachable. Callers are
// expected to degrade gracefully rather than block.
var ErrStorageUnavailable = errors.New("storage: unavailable")

// ErrAlreadyActive is returned by CreateRoomSession when a diagram already
// has an active session. ExistingRoomID lets the caller route the request
// to that room instead of failing outright, per the mandated tightening
// of the "at most one active session per diagram" constraint.
type ErrAlreadyActive struct {
	ExistingRoomID string
}

func (e *ErrAlreadyActive) Error() string {
	return "storage: diagram already has an active session: " + e.ExistingRoomID
}

// RoomSessionRow mirrors the sessions table. RoomID, when set, is used
// verbatim as the session id so the registry's in-process room id and
// the persisted session id are the same value; when empty, the port
// generates one (used by callers that only exercise storage directly).
type RoomSessionRow struct {
	RoomID    string
	DiagramID string
	OwnerID   string
	Name      string
	MaxUsers  int
}

// SnapshotRow mirrors the snapshots table.
type SnapshotRow struct {
	ID           string
	SnapshotData []byte
	ElementCount int
	CreatedAt    time.Time
	SizeBytes    int
}

// Port is the persistence surface the core depends on. It owns the
// sessions/participants/snapshots/rate_limits tables described in the
// external interfaces; everything above this line is storage-agnostic.
type Port interface {
	// CreateRoomSession enforces "at most one active session per
	// diagram_id". On conflict it returns *ErrAlreadyActive wrapping the
	// existing room id rather than a bare error.
	CreateRoomSession(ctx context.Context, row RoomSessionRow) (id string, err error)
	EndRoomSession(ctx context.Context, roomID string) error
	RecordParticipantJoin(ctx context.Context, roomID, userID, displayName string) (id string, err error)
	RecordParticipantLeave(ctx context.Context, participantID string) error
	// PersistSnapshot stores a snapshot and trims retention to the last
	// ten per session server-side.
	PersistSnapshot(ctx context.Context, roomID string, snap SnapshotRow) error
	LatestSnapshot(ctx context.Context, roomID string) (SnapshotRow, bool, error)
	TrackRateLimitWindow(ctx context.Context, roomID, userID string, count int, windowStart, windowEnd time.Time) error
	// EndSessionsForDiagram ends every active session for a diagram,
	// e.g. when the diagram itself is deleted upstream.
	EndSessionsForDiagram(ctx context.Context, diagramID string) error
	Ping(ctx context.Context) error
}
