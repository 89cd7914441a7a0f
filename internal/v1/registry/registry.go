// Package registry implements the Room Registry: the process-wide
// mapping from room id to live Room, room creation/admission gated by
// an AuthorizationOracle, and the grace-period cleanup of emptied
// rooms. It is modeled as a dependency-injected service rather than a
// hidden singleton so tests can instantiate isolated registries.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/logging"
	"github.com/schemacollab/liveshare-core/internal/v1/metrics"
	"github.com/schemacollab/liveshare-core/internal/v1/room"
	"github.com/schemacollab/liveshare-core/internal/v1/snapshot"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/types"

	"go.uber.org/zap"
)

// AuthorizationOracle answers "may user U create/join the room for
// diagram D?", per spec.md §6. Guests are denied by every real
// implementation; it is consumed here as an interface so the registry
// never depends on how permissions are actually stored.
type AuthorizationOracle interface {
	CanCreate(ctx context.Context, userID types.UserId, diagramID types.DiagramId) (bool, error)
	CanJoin(ctx context.Context, userID types.UserId, diagramID types.DiagramId) (bool, error)
}

// Deps bundles the per-room collaborators shared across every room the
// registry creates.
type Deps struct {
	Clock            clock.Clock
	FullSyncInterval time.Duration
	Snapshot         snapshot.Config
	MaxUsersPerRoom  int
	CleanupGrace     time.Duration
}

// Registry is the process-wide room map. It never talks to a socket
// directly; Session owns the connection and calls into the registry to
// resolve room admission.
type Registry struct {
	mu                  sync.Mutex
	rooms               map[types.RoomId]*room.Room
	byDiagram           map[types.DiagramId]types.RoomId
	pendingRoomCleanups map[types.RoomId]*time.Timer

	clk          clock.Clock
	deps         Deps
	store        storage.Port
	oracle       AuthorizationOracle
	cleanupGrace time.Duration
}

func New(deps Deps, store storage.Port, oracle AuthorizationOracle) *Registry {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real
	}
	grace := deps.CleanupGrace
	if grace == 0 {
		grace = 5 * time.Second
	}
	return &Registry{
		rooms:               make(map[types.RoomId]*room.Room),
		byDiagram:           make(map[types.DiagramId]types.RoomId),
		pendingRoomCleanups: make(map[types.RoomId]*time.Timer),
		clk:                 clk,
		deps:                deps,
		store:               store,
		oracle:              oracle,
		cleanupGrace:        grace,
	}
}

// GetRoom returns the room by id, if it is currently registered.
func (rg *Registry) GetRoom(id types.RoomId) (*room.Room, bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	r, ok := rg.rooms[id]
	return r, ok
}

// GetRoomByDiagram returns the currently active room for a diagram, if
// any, the same lookup CreateRoom itself uses to route repeat requests
// back to the existing session. Backs the share-link resolution endpoint.
func (rg *Registry) GetRoomByDiagram(diagramID types.DiagramId) (*room.Room, bool) {
	rg.mu.Lock()
	roomID, ok := rg.byDiagram[diagramID]
	if !ok {
		rg.mu.Unlock()
		return nil, false
	}
	r, ok := rg.rooms[roomID]
	rg.mu.Unlock()
	if !ok || !r.IsActive() {
		return nil, false
	}
	return r, true
}

// CreateRoom authorizes and creates a new room for diagramID owned by
// ownerID. If the diagram already has an active session — whether
// tracked locally or discovered via storage.ErrAlreadyActive — it
// returns that room instead of failing outright, per spec.md §9's
// resolution of the "at most one active session per diagram" Open
// Question: routing to the existing room beats a hard rejection.
func (rg *Registry) CreateRoom(ctx context.Context, ownerID types.UserId, diagramID types.DiagramId, maxUsers int) (*room.Room, error) {
	if allowed, err := rg.oracle.CanCreate(ctx, ownerID, diagramID); err != nil {
		return nil, err
	} else if !allowed {
		return nil, ErrPermissionDenied
	}

	rg.mu.Lock()
	if existingID, ok := rg.byDiagram[diagramID]; ok {
		if existing, ok := rg.rooms[existingID]; ok && existing.IsActive() {
			rg.mu.Unlock()
			return existing, nil
		}
	}
	rg.mu.Unlock()

	if maxUsers <= 0 {
		maxUsers = rg.deps.MaxUsersPerRoom
	}

	id := types.NewRoomId()
	_, err := rg.store.CreateRoomSession(ctx, storage.RoomSessionRow{
		RoomID:    id.String(),
		DiagramID: diagramID.String(),
		OwnerID:   ownerID.String(),
		MaxUsers:  maxUsers,
	})
	if err != nil {
		if already, ok := asAlreadyActive(err); ok {
			existingID, parseErr := types.ParseRoomId(already.ExistingRoomID)
			if parseErr == nil {
				if existing, ok := rg.GetRoom(existingID); ok {
					return existing, nil
				}
			}
			return nil, err
		}
		return nil, err
	}

	r := room.New(id, diagramID, ownerID, maxUsers, room.Deps{
		Clock:            rg.clk,
		FullSyncInterval: rg.deps.FullSyncInterval,
		Snapshot:         rg.deps.Snapshot,
	}, rg.store, rg.scheduleRemoval)

	rg.mu.Lock()
	rg.rooms[id] = r
	rg.byDiagram[diagramID] = id
	rg.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "room created", zap.String("room_id", id.String()), zap.String("diagram_id", diagramID.String()))
	return r, nil
}

// JoinRoom authorizes userID to join an existing room.
func (rg *Registry) JoinRoom(ctx context.Context, userID types.UserId, roomID types.RoomId) (*room.Room, error) {
	r, ok := rg.GetRoom(roomID)
	if !ok {
		return nil, room.ErrRoomClosed
	}
	if allowed, err := rg.oracle.CanJoin(ctx, userID, r.DiagramID); err != nil {
		return nil, err
	} else if !allowed {
		return nil, ErrPermissionDenied
	}
	rg.cancelPendingRemoval(roomID)
	return r, nil
}

// EndRoom implements the owner-close cascade (spec.md scenario S6): it
// marks the room ended and persists the cascade to storage. Each
// participant's session sees the end through Room.Done() on its next
// tick and closes its socket with RoomEnded.
func (rg *Registry) EndRoom(ctx context.Context, roomID types.RoomId) error {
	r, ok := rg.GetRoom(roomID)
	if !ok {
		return room.ErrRoomClosed
	}
	if !r.End() {
		return nil
	}
	if err := rg.store.EndRoomSession(ctx, roomID.String()); err != nil {
		logging.Warn(ctx, "failed to persist room end, in-memory state already closed", zap.Error(err))
	}
	rg.scheduleRemoval(roomID)
	return nil
}

// scheduleRemoval is the onEmpty/onEnd callback handed to every Room.
// It mirrors the teacher's Hub.removeRoom grace-period-timer pattern:
// an emptied (or just-ended) room is not deleted immediately, so a
// reconnecting client within the grace window finds its room intact.
func (rg *Registry) scheduleRemoval(roomID types.RoomId) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if existing, ok := rg.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(rg.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(rg.cleanupGrace, func() {
		rg.mu.Lock()
		defer rg.mu.Unlock()

		r, ok := rg.rooms[roomID]
		if !ok {
			delete(rg.pendingRoomCleanups, roomID)
			return
		}
		if r.ParticipantCount() > 0 && r.IsActive() {
			delete(rg.pendingRoomCleanups, roomID)
			return
		}
		delete(rg.rooms, roomID)
		delete(rg.byDiagram, r.DiagramID)
		delete(rg.pendingRoomCleanups, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(roomID.String())
	})
	rg.pendingRoomCleanups[roomID] = timer
}

func (rg *Registry) cancelPendingRemoval(roomID types.RoomId) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if timer, ok := rg.pendingRoomCleanups[roomID]; ok {
		timer.Stop()
		delete(rg.pendingRoomCleanups, roomID)
	}
}

func asAlreadyActive(err error) (*storage.ErrAlreadyActive, bool) {
	already, ok := err.(*storage.ErrAlreadyActive)
	return already, ok
}
