package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

func testState() types.GraphState {
	return types.GraphState{Tables: []types.Table{{NodeId: 1, Name: "users", Version: 1}}}
}

func TestShouldSnapshotOnFirstCall(t *testing.T) {
	m := NewManager("room-1", Config{Keep: 10, Interval: 25 * time.Second, MaxSize: 10 << 20}, clock.Real, nil)
	assert.True(t, m.ShouldSnapshot(testState()))
}

func TestShouldSnapshotRequiresBothIntervalAndVersionAdvance(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager("room-1", Config{Keep: 10, Interval: 25 * time.Second, MaxSize: 10 << 20}, clk, nil)

	state := testState()
	_, err := m.CreateSnapshot(context.Background(), state)
	require.NoError(t, err)

	clk.Advance(25 * time.Second)
	assert.False(t, m.ShouldSnapshot(state), "interval elapsed but no version advanced")

	state.Tables[0].Version = 2
	assert.True(t, m.ShouldSnapshot(state))
}

func TestCreateSnapshotRejectsOversizedState(t *testing.T) {
	m := NewManager("room-1", Config{Keep: 10, Interval: 25 * time.Second, MaxSize: 8}, clock.Real, nil)
	_, err := m.CreateSnapshot(context.Background(), testState())
	assert.ErrorIs(t, err, ErrSnapshotTooLarge)
}

func TestCreateSnapshotEvictsFromHeadPastRetention(t *testing.T) {
	m := NewManager("room-1", Config{Keep: 2, Interval: 0, MaxSize: 10 << 20}, clock.Real, nil)
	state := testState()
	for i := 0; i < 5; i++ {
		state.Tables[0].Version = uint64(i + 1)
		_, err := m.CreateSnapshot(context.Background(), state)
		require.NoError(t, err)
	}
	assert.Len(t, m.ring, 2)
	latest, ok := m.GetLatest()
	require.True(t, ok)
	restored, err := RestoreFromLatest(latest.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), restored.Tables[0].Version)
}

func TestCreateSnapshotPersistsToStorageBestEffort(t *testing.T) {
	store := storage.NewMemoryPort()
	m := NewManager("room-1", Config{Keep: 10, Interval: 0, MaxSize: 10 << 20}, clock.Real, store)

	_, err := m.CreateSnapshot(context.Background(), testState())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok, err := store.LatestSnapshot(context.Background(), "room-1")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)
}

func TestGetLatestWhenEmpty(t *testing.T) {
	m := NewManager("room-1", Config{Keep: 10}, clock.Real, nil)
	_, ok := m.GetLatest()
	assert.False(t, ok)
}
