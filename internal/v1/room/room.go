// Package room implements the Room aggregate: per-diagram state, its
// participants, and the broadcast/snapshot managers subordinate to it.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/broadcast"
	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/snapshot"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// Deps bundles the collaborators every room in the registry shares: the
// clock (for deterministic tests), the storage port, and the config
// knobs that parameterize a room's broadcast/snapshot managers.
type Deps struct {
	Clock            clock.Clock
	FullSyncInterval time.Duration
	Snapshot         snapshot.Config
}

// Room owns one diagram's live collaboration state: participants, graph
// state, awareness, and its broadcast/snapshot managers. state, awareness
// and the broadcast ledger sit behind stateMu; participants sit behind
// their own lock so a read-heavy delta computation never blocks a cursor
// broadcast or an unrelated participant-list read.
type Room struct {
	ID        types.RoomId
	DiagramID types.DiagramId
	OwnerID   types.UserId
	CreatedAt time.Time
	MaxUsers  int

	clk clock.Clock

	mu      sync.RWMutex
	endedAt *time.Time

	participantsMu sync.RWMutex
	participants   map[types.UserId]types.Participant

	stateMu   sync.RWMutex
	state     types.GraphState
	awareness map[types.UserId]types.AwarenessBlob

	Broadcast *broadcast.Manager
	Snapshots *snapshot.Manager

	onEmpty func(types.RoomId)

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Room. onEmpty is invoked (by the caller's registry)
// once the last participant leaves, to schedule grace-period cleanup.
func New(id types.RoomId, diagramID types.DiagramId, ownerID types.UserId, maxUsers int, deps Deps, store storage.Port, onEmpty func(types.RoomId)) *Room {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		ID:           id,
		DiagramID:    diagramID,
		OwnerID:      ownerID,
		CreatedAt:    clk.Now(),
		MaxUsers:     maxUsers,
		clk:          clk,
		participants: make(map[types.UserId]types.Participant),
		awareness:    make(map[types.UserId]types.AwarenessBlob),
		Broadcast:    broadcast.NewManager(deps.FullSyncInterval, clk),
		Snapshots:    snapshot.NewManager(id.String(), deps.Snapshot, clk, store),
		onEmpty:      onEmpty,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Done returns a channel closed the moment the room transitions to
// Ended, so a session's tick loop can notice without polling IsActive.
func (r *Room) Done() <-chan struct{} {
	return r.ctx.Done()
}

// IsActive reports whether the room has not yet ended.
func (r *Room) IsActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endedAt == nil
}

// End transitions Active -> Ended. Idempotent; returns false if already
// ended.
func (r *Room) End() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endedAt != nil {
		return false
	}
	now := r.clk.Now()
	r.endedAt = &now
	r.cancel()
	return true
}

// ParticipantCount returns the current participant count.
func (r *Room) ParticipantCount() int {
	r.participantsMu.RLock()
	defer r.participantsMu.RUnlock()
	return len(r.participants)
}

// Participants returns a snapshot copy of the current participant list.
func (r *Room) Participants() []types.Participant {
	r.participantsMu.RLock()
	defer r.participantsMu.RUnlock()
	out := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// AddUser admits a new participant with the given role. Fails with
// ErrRoomFull, ErrAlreadyJoined, or ErrRoomClosed per spec §4.6.
func (r *Room) AddUser(userID types.UserId, displayName, color string, role types.Role) (types.Participant, error) {
	if !r.IsActive() {
		return types.Participant{}, ErrRoomClosed
	}

	r.participantsMu.Lock()
	defer r.participantsMu.Unlock()

	if _, exists := r.participants[userID]; exists {
		return types.Participant{}, ErrAlreadyJoined
	}
	if len(r.participants) >= r.MaxUsers {
		return types.Participant{}, ErrRoomFull
	}

	now := r.clk.Now()
	p := types.Participant{
		UserId:         userID,
		DisplayName:    displayName,
		Color:          color,
		Role:           role,
		Activity:       types.ActivityActive,
		LastActivityTs: now,
		JoinedAt:       now,
	}
	r.participants[userID] = p
	return p, nil
}

// roleOf returns the role of a registered participant. ok is false for
// a sender the room has no record of, which ApplyOp treats as outside
// the edit-gate check rather than as an implicit denial — Room never
// authenticates a sender itself, Session does that before calling in.
func (r *Room) roleOf(userID types.UserId) (types.Role, bool) {
	r.participantsMu.RLock()
	defer r.participantsMu.RUnlock()
	p, ok := r.participants[userID]
	return p.Role, ok
}

// RemoveUser is idempotent. It cancels any pending throttled emissions
// for the user by dropping them from the broadcast ledger.
func (r *Room) RemoveUser(userID types.UserId) {
	r.participantsMu.Lock()
	delete(r.participants, userID)
	r.participantsMu.Unlock()

	r.stateMu.Lock()
	delete(r.awareness, userID)
	r.stateMu.Unlock()

	r.Broadcast.RemoveUser(userID)

	if r.ParticipantCount() == 0 && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// State returns a deep copy of the current graph state, safe to read
// without holding any lock afterward.
func (r *Room) State() types.GraphState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.Clone()
}

// UpdateCursor, UpdateViewport, UpdateAwareness and UpdateActivity are
// pure participant-state updates; the caller dispatches the resulting
// payload to peers via the appropriate priority channel.
func (r *Room) UpdateCursor(userID types.UserId, pos types.Position) {
	r.participantsMu.Lock()
	defer r.participantsMu.Unlock()
	if p, ok := r.participants[userID]; ok {
		p.Cursor = &pos
		r.participants[userID] = p
	}
}

func (r *Room) UpdateViewport(userID types.UserId, center types.Position, zoom float64) {
	// Viewport is transient awareness, not persisted on Participant; the
	// session composes the UserViewport broadcast directly and this
	// method exists so Room remains the single point of participant
	// mutation, per the design note against hidden state elsewhere.
	r.participantsMu.Lock()
	defer r.participantsMu.Unlock()
	if _, ok := r.participants[userID]; !ok {
		return
	}
}

func (r *Room) UpdateAwareness(userID types.UserId, blob types.AwarenessBlob) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	existing, ok := r.awareness[userID]
	if !ok {
		existing = types.AwarenessBlob{}
	}
	for k, v := range blob {
		existing[k] = v
	}
	r.awareness[userID] = existing
}

func (r *Room) UpdateActivity(userID types.UserId, activity types.Activity) {
	r.participantsMu.Lock()
	defer r.participantsMu.Unlock()
	if p, ok := r.participants[userID]; ok {
		p.Activity = activity
		p.LastActivityTs = r.clk.Now()
		r.participants[userID] = p
	}
}

// BroadcastUpdate composes the current state and runs
// BroadcastManager.BroadcastIncremental on behalf of sender.
func (r *Room) BroadcastUpdate(sender types.UserId) {
	r.Broadcast.BroadcastIncremental(sender, r.State())
}

// MaybeSnapshot is called by the owning session's periodic tick; it
// delegates to the snapshot manager.
func (r *Room) MaybeSnapshot(ctx context.Context) {
	state := r.State()
	if !r.Snapshots.ShouldSnapshot(state) {
		return
	}
	_, _ = r.Snapshots.CreateSnapshot(ctx, state)
}
