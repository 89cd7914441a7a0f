package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPortCreateRoomSessionEnforcesOneActivePerDiagram(t *testing.T) {
	port := NewMemoryPort()
	ctx := context.Background()

	id, err := port.CreateRoomSession(ctx, RoomSessionRow{DiagramID: "d1", OwnerID: "o1"})
	require.NoError(t, err)

	_, err = port.CreateRoomSession(ctx, RoomSessionRow{DiagramID: "d1", OwnerID: "o2"})
	var already *ErrAlreadyActive
	require.ErrorAs(t, err, &already)
	assert.Equal(t, id, already.ExistingRoomID)
}

func TestMemoryPortSnapshotRetentionTrimsToTen(t *testing.T) {
	port := NewMemoryPort()
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, port.PersistSnapshot(ctx, "room-1", SnapshotRow{ElementCount: i, CreatedAt: time.Now()}))
	}

	assert.Len(t, port.snapshots["room-1"], snapshotsToKeep)
	latest, ok, err := port.LatestSnapshot(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11, latest.ElementCount)
}

func TestMemoryPortEndSessionsForDiagramFreesTheSlot(t *testing.T) {
	port := NewMemoryPort()
	ctx := context.Background()

	_, err := port.CreateRoomSession(ctx, RoomSessionRow{DiagramID: "d2", OwnerID: "o1"})
	require.NoError(t, err)

	require.NoError(t, port.EndSessionsForDiagram(ctx, "d2"))

	_, err = port.CreateRoomSession(ctx, RoomSessionRow{DiagramID: "d2", OwnerID: "o1"})
	require.NoError(t, err)
}
