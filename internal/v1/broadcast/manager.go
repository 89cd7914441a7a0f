// Package broadcast implements the per-room version-based delta engine:
// a ledger of (user, element) -> last-sent-version, periodic full-sync,
// and the tie-break ordering tests observe directly.
package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// Sink is how the broadcast manager hands a message to one participant's
// outbound path. Rooms/sessions implement this over their own queues;
// the manager never touches a socket directly.
type Sink interface {
	Deliver(msgType protocol.MessageType, payload any)
}

// Manager holds one room's broadcast ledger and full-sync bookkeeping.
type Manager struct {
	mu               sync.RWMutex
	fullSyncInterval time.Duration
	clk              clock.Clock

	ledger       map[types.UserId]map[types.ElementKey]uint64
	lastFullSync map[types.UserId]time.Time
	needsReset   map[types.UserId]bool
	sinks        map[types.UserId]Sink
}

// NewManager builds a manager for one room. fullSyncInterval defaults to
// 20s per spec; pass clock.Real in production and a clock.Fake in tests.
func NewManager(fullSyncInterval time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real
	}
	return &Manager{
		fullSyncInterval: fullSyncInterval,
		clk:              clk,
		ledger:           make(map[types.UserId]map[types.ElementKey]uint64),
		lastFullSync:     make(map[types.UserId]time.Time),
		needsReset:       make(map[types.UserId]bool),
		sinks:            make(map[types.UserId]Sink),
	}
}

// RegisterUser admits a participant to the broadcast set. A newly
// registered user has no ledger entry, so their first broadcast is
// necessarily a full sync.
func (m *Manager) RegisterUser(user types.UserId, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[user] = sink
}

// RemoveUser drops all ledger entries and bookkeeping for a user, and
// cancels their registration. Idempotent.
func (m *Manager) RemoveUser(user types.UserId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledger, user)
	delete(m.lastFullSync, user)
	delete(m.needsReset, user)
	delete(m.sinks, user)
}

// Broadcast delivers an arbitrary payload to every registered sink
// except sender, riding the same per-user sink registration as the
// schema broadcast ledger but bypassing the version/full-sync
// bookkeeping entirely. Used for presence-style fan-out (cursor,
// viewport, awareness, idle status, join/leave) that has no per-element
// version to track.
func (m *Manager) Broadcast(sender types.UserId, msgType protocol.MessageType, payload any) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for user, sink := range m.sinks {
		if user == sender {
			continue
		}
		sink.Deliver(msgType, payload)
	}
}

// MarkFullSync records that a full sync was just delivered to user
// outside the normal broadcast path (e.g. on join).
func (m *Manager) MarkFullSync(user types.UserId, state types.GraphState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setFullLedgerLocked(user, state)
	m.lastFullSync[user] = m.clk.Now()
	delete(m.needsReset, user)
}

// ResetUser forces the next broadcast_incremental for this user to be a
// full sync, e.g. after a corrective resync on an optimistic-concurrency
// conflict.
func (m *Manager) ResetUser(user types.UserId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.needsReset[user] = true
}

func (m *Manager) setFullLedgerLocked(user types.UserId, state types.GraphState) {
	entries := make(map[types.ElementKey]uint64, len(state.Tables)+len(state.Relationships))
	for _, t := range state.Tables {
		entries[types.TableKey(t.NodeId)] = t.Version
	}
	for _, r := range state.Relationships {
		entries[types.RelationshipKey(r.EdgeId)] = r.Version
	}
	m.ledger[user] = entries
}

// BroadcastIncremental implements spec §4.4 for every registered
// participant other than sender: a full GraphState when the full-sync
// cadence has elapsed, the user is newly joined, or their ledger was
// reset; otherwise a delta of elements whose version has advanced.
func (m *Manager) BroadcastIncremental(sender types.UserId, state types.GraphState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	for user, sink := range m.sinks {
		if user == sender {
			continue
		}

		last, hasLedger := m.ledger[user]
		lastSync, hasSynced := m.lastFullSync[user]
		needsFull := !hasLedger || !hasSynced || m.needsReset[user] || now.Sub(lastSync) >= m.fullSyncInterval

		if needsFull {
			m.setFullLedgerLocked(user, state)
			m.lastFullSync[user] = now
			delete(m.needsReset, user)
			data, err := protocol.EncodeGraphState(state)
			if err != nil {
				continue
			}
			sink.Deliver(protocol.MessageGraphState, protocol.GraphStateMessage{State: data})
			continue
		}

		delta := buildDelta(last, state)
		if len(delta.Tables) == 0 && len(delta.Relationships) == 0 {
			continue
		}
		for _, t := range delta.Tables {
			last[types.TableKey(t.NodeId)] = t.Version
		}
		for _, r := range delta.Relationships {
			last[types.RelationshipKey(r.EdgeId)] = r.Version
		}
		sink.Deliver(protocol.MessageGraphDelta, delta)
	}
}

// buildDelta selects every table/relationship whose version exceeds the
// recipient's ledger entry (absent entries treated as 0), ordered tables
// before relationships and ascending id within each list.
func buildDelta(ledger map[types.ElementKey]uint64, state types.GraphState) protocol.GraphDelta {
	var delta protocol.GraphDelta

	tables := make([]types.Table, len(state.Tables))
	copy(tables, state.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].NodeId < tables[j].NodeId })
	for _, t := range tables {
		if t.Version > ledger[types.TableKey(t.NodeId)] {
			delta.Tables = append(delta.Tables, t)
		}
	}

	rels := make([]types.Relationship, len(state.Relationships))
	copy(rels, state.Relationships)
	sort.Slice(rels, func(i, j int) bool { return rels[i].EdgeId < rels[j].EdgeId })
	for _, r := range rels {
		if r.Version > ledger[types.RelationshipKey(r.EdgeId)] {
			delta.Relationships = append(delta.Relationships, r)
		}
	}

	return delta
}
