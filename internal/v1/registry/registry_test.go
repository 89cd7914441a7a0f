package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/room"
	"github.com/schemacollab/liveshare-core/internal/v1/snapshot"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

type allowAllOracle struct{}

func (allowAllOracle) CanCreate(context.Context, types.UserId, types.DiagramId) (bool, error) {
	return true, nil
}
func (allowAllOracle) CanJoin(context.Context, types.UserId, types.DiagramId) (bool, error) {
	return true, nil
}

type denyAllOracle struct{}

func (denyAllOracle) CanCreate(context.Context, types.UserId, types.DiagramId) (bool, error) {
	return false, nil
}
func (denyAllOracle) CanJoin(context.Context, types.UserId, types.DiagramId) (bool, error) {
	return false, nil
}

func testRegistry(clk clock.Clock, oracle AuthorizationOracle) *Registry {
	return New(Deps{
		Clock:            clk,
		FullSyncInterval: 20 * time.Second,
		Snapshot:         snapshot.Config{Keep: 10, Interval: 25 * time.Second, MaxSize: 10 << 20},
		MaxUsersPerRoom:  10,
		CleanupGrace:     20 * time.Millisecond,
	}, storage.NewMemoryPort(), oracle)
}

func TestCreateRoomDeniedByOracle(t *testing.T) {
	rg := testRegistry(clock.Real, denyAllOracle{})
	_, err := rg.CreateRoom(context.Background(), types.NewUserId(), types.NewDiagramId(), 5)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCreateRoomThenJoinRoom(t *testing.T) {
	rg := testRegistry(clock.Real, allowAllOracle{})
	owner := types.NewUserId()
	diagram := types.NewDiagramId()

	r, err := rg.CreateRoom(context.Background(), owner, diagram, 5)
	require.NoError(t, err)
	assert.Equal(t, diagram, r.DiagramID)

	joiner := types.NewUserId()
	joined, err := rg.JoinRoom(context.Background(), joiner, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, joined.ID)
}

func TestCreateRoomTwiceForSameDiagramReturnsExistingRoom(t *testing.T) {
	rg := testRegistry(clock.Real, allowAllOracle{})
	owner := types.NewUserId()
	diagram := types.NewDiagramId()

	first, err := rg.CreateRoom(context.Background(), owner, diagram, 5)
	require.NoError(t, err)

	second, err := rg.CreateRoom(context.Background(), owner, diagram, 5)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestJoinRoomAgainstUnknownRoomFails(t *testing.T) {
	rg := testRegistry(clock.Real, allowAllOracle{})
	_, err := rg.JoinRoom(context.Background(), types.NewUserId(), types.NewRoomId())
	assert.ErrorIs(t, err, room.ErrRoomClosed)
}

func TestEndRoomCascadesAndFreesStorageSlot(t *testing.T) {
	rg := testRegistry(clock.Real, allowAllOracle{})
	owner := types.NewUserId()
	diagram := types.NewDiagramId()

	r, err := rg.CreateRoom(context.Background(), owner, diagram, 5)
	require.NoError(t, err)

	require.NoError(t, rg.EndRoom(context.Background(), r.ID))
	assert.False(t, r.IsActive())

	// diagram slot freed: creating again for the same diagram succeeds
	// with a brand-new room id rather than returning the ended one.
	time.Sleep(30 * time.Millisecond)
	second, err := rg.CreateRoom(context.Background(), owner, diagram, 5)
	require.NoError(t, err)
	assert.NotEqual(t, r.ID, second.ID)
}

func TestScheduleRemovalEvictsEmptyRoomAfterGracePeriod(t *testing.T) {
	rg := testRegistry(clock.Real, allowAllOracle{})
	owner := types.NewUserId()
	r, err := rg.CreateRoom(context.Background(), owner, types.NewDiagramId(), 5)
	require.NoError(t, err)

	p, err := r.AddUser(owner, "alice", "#fff", types.RoleOwner)
	require.NoError(t, err)
	r.RemoveUser(p.UserId)

	assert.Eventually(t, func() bool {
		_, ok := rg.GetRoom(r.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleRemovalCancelledByReconnectWithinGracePeriod(t *testing.T) {
	rg := testRegistry(clock.Real, allowAllOracle{})
	owner := types.NewUserId()
	r, err := rg.CreateRoom(context.Background(), owner, types.NewDiagramId(), 5)
	require.NoError(t, err)

	p, err := r.AddUser(owner, "alice", "#fff", types.RoleOwner)
	require.NoError(t, err)
	r.RemoveUser(p.UserId)

	_, err = rg.JoinRoom(context.Background(), owner, r.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, ok := rg.GetRoom(r.ID)
	assert.True(t, ok, "reconnect within grace period should cancel cleanup")
}
