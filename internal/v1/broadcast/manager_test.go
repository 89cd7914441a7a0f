package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

type fakeSink struct {
	deliveries []delivery
}

type delivery struct {
	msgType protocol.MessageType
	payload any
}

func (f *fakeSink) Deliver(msgType protocol.MessageType, payload any) {
	f.deliveries = append(f.deliveries, delivery{msgType, payload})
}

func stateWithVersions(table1, table2 uint64) types.GraphState {
	return types.GraphState{
		Tables: []types.Table{
			{NodeId: 1, Name: "users", Version: table1},
			{NodeId: 2, Name: "orders", Version: table2},
		},
	}
}

func TestBroadcastIncrementalSendsFullSyncOnFirstContact(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(20*time.Second, clk)

	sinkB := &fakeSink{}
	m.RegisterUser(types.UserId{2}, sinkB)

	m.BroadcastIncremental(types.UserId{1}, stateWithVersions(3, 1))

	require.Len(t, sinkB.deliveries, 1)
	assert.Equal(t, protocol.MessageGraphState, sinkB.deliveries[0].msgType)
}

func TestBroadcastIncrementalScenarioS1TwoUserRename(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(20*time.Second, clk)

	sinkB := &fakeSink{}
	userA, userB := types.UserId{1}, types.UserId{2}
	m.RegisterUser(userB, sinkB)
	m.MarkFullSync(userB, stateWithVersions(3, 1))

	renamed := stateWithVersions(3, 1)
	renamed.Tables[0].Version = 4
	renamed.Tables[0].Name = "users_new"
	m.BroadcastIncremental(userA, renamed)

	require.Len(t, sinkB.deliveries, 1)
	assert.Equal(t, protocol.MessageGraphDelta, sinkB.deliveries[0].msgType)
	delta := sinkB.deliveries[0].payload.(protocol.GraphDelta)
	require.Len(t, delta.Tables, 1)
	assert.Equal(t, "users_new", delta.Tables[0].Name)
	assert.Equal(t, uint64(4), delta.Tables[0].Version)
}

func TestBroadcastIncrementalExcludesSender(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(20*time.Second, clk)

	sinkA := &fakeSink{}
	userA := types.UserId{1}
	m.RegisterUser(userA, sinkA)

	m.BroadcastIncremental(userA, stateWithVersions(1, 1))
	assert.Empty(t, sinkA.deliveries, "sender receives no echo for its own operation")
}

func TestBroadcastIncrementalScenarioS2FullSyncCadence(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(20*time.Second, clk)

	sinkB := &fakeSink{}
	userA, userB := types.UserId{1}, types.UserId{2}
	m.RegisterUser(userB, sinkB)
	m.MarkFullSync(userB, stateWithVersions(3, 1))

	clk.Advance(20 * time.Second)
	state := stateWithVersions(3, 2)
	m.BroadcastIncremental(userA, state)

	require.Len(t, sinkB.deliveries, 1)
	assert.Equal(t, protocol.MessageGraphState, sinkB.deliveries[0].msgType, "full-sync cadence elapsed")
}

func TestBuildDeltaOrdersTablesBeforeRelationshipsAscendingId(t *testing.T) {
	state := types.GraphState{
		Tables: []types.Table{
			{NodeId: 5, Version: 2},
			{NodeId: 1, Version: 2},
		},
		Relationships: []types.Relationship{
			{EdgeId: 9, Version: 2},
			{EdgeId: 3, Version: 2},
		},
	}
	delta := buildDelta(map[types.ElementKey]uint64{}, state)

	require.Len(t, delta.Tables, 2)
	assert.Equal(t, types.NodeId(1), delta.Tables[0].NodeId)
	assert.Equal(t, types.NodeId(5), delta.Tables[1].NodeId)

	require.Len(t, delta.Relationships, 2)
	assert.Equal(t, types.EdgeId(3), delta.Relationships[0].EdgeId)
	assert.Equal(t, types.EdgeId(9), delta.Relationships[1].EdgeId)
}

func TestRemoveUserDropsLedger(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(20*time.Second, clk)

	user := types.UserId{1}
	sink := &fakeSink{}
	m.RegisterUser(user, sink)
	m.MarkFullSync(user, stateWithVersions(1, 1))
	m.RemoveUser(user)

	m.mu.RLock()
	_, ok := m.ledger[user]
	m.mu.RUnlock()
	assert.False(t, ok)
}
