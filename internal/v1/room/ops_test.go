package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/snapshot"
	"github.com/schemacollab/liveshare-core/internal/v1/storage"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

func opsTestRoom() *Room {
	clk := clock.NewFake(time.Unix(0, 0))
	deps := Deps{
		Clock:            clk,
		FullSyncInterval: 10 * time.Second,
		Snapshot:         snapshot.Config{Keep: 10, Interval: 25 * time.Second, MaxSize: 10 << 20},
	}
	return New(types.NewRoomId(), types.NewDiagramId(), types.NewUserId(), 10, deps, storage.NewMemoryPort(), nil)
}

func createTable(t *testing.T, r *Room, name string) types.NodeId {
	t.Helper()
	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:        protocol.OpCreateTable,
		CreateTable: &protocol.CreateTableOp{Name: name},
	})
	require.NoError(t, err)
	state := r.State()
	for _, tbl := range state.Tables {
		if tbl.Name == name {
			return tbl.NodeId
		}
	}
	t.Fatalf("table %q not found after create", name)
	return 0
}

func TestApplyCreateTableAssignsIncrementingNodeIds(t *testing.T) {
	r := opsTestRoom()
	first := createTable(t, r, "users")
	second := createTable(t, r, "orders")
	assert.NotEqual(t, first, second)
}

func TestApplyCreateTableRejectsDuplicateName(t *testing.T) {
	r := opsTestRoom()
	createTable(t, r, "users")

	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:        protocol.OpCreateTable,
		CreateTable: &protocol.CreateTableOp{Name: "users"},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "duplicate_name", ve.Code)
}

func TestApplyRenameTableBumpsVersion(t *testing.T) {
	r := opsTestRoom()
	node := createTable(t, r, "users")

	change, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:        protocol.OpRenameTable,
		RenameTable: &protocol.RenameTableOp{Node: node, NewName: "accounts"},
	})
	require.NoError(t, err)
	assert.False(t, change.Stale)

	state := r.State()
	assert.Equal(t, "accounts", state.Tables[0].Name)
	assert.Equal(t, uint64(2), state.Tables[0].Version)
}

func TestApplyRenameTableWithStaleObservedVersionIsServerWins(t *testing.T) {
	r := opsTestRoom()
	node := createTable(t, r, "users")

	stale := uint64(0)
	change, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:            protocol.OpRenameTable,
		ObservedVersion: &stale,
		RenameTable:     &protocol.RenameTableOp{Node: node, NewName: "accounts"},
	})
	require.NoError(t, err)
	assert.True(t, change.Stale)

	state := r.State()
	assert.Equal(t, "users", state.Tables[0].Name, "server's copy must win, not the stale submission")
	assert.Equal(t, uint64(1), state.Tables[0].Version)
}

func TestApplyRenameTableWithCurrentObservedVersionApplies(t *testing.T) {
	r := opsTestRoom()
	node := createTable(t, r, "users")

	current := uint64(1)
	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:            protocol.OpRenameTable,
		ObservedVersion: &current,
		RenameTable:     &protocol.RenameTableOp{Node: node, NewName: "accounts"},
	})
	require.NoError(t, err)

	state := r.State()
	assert.Equal(t, "accounts", state.Tables[0].Name)
}

func TestApplyDeleteTableRejectsUnknownNode(t *testing.T) {
	r := opsTestRoom()
	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:       protocol.OpDeleteTable,
		DeleteTable: &protocol.DeleteTableOp{Node: 999},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "not_found", ve.Code)
}

func TestApplyAddColumnRejectsDuplicateColumnName(t *testing.T) {
	r := opsTestRoom()
	node := createTable(t, r, "users")

	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:      protocol.OpAddColumn,
		AddColumn: &protocol.AddColumnOp{Node: node, Col: types.Column{Name: "id", Type: "uuid"}},
	})
	require.NoError(t, err)

	_, err = r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:      protocol.OpAddColumn,
		AddColumn: &protocol.AddColumnOp{Node: node, Col: types.Column{Name: "id", Type: "text"}},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "duplicate_column", ve.Code)
}

func TestApplyUpdateColumnRejectsOutOfRangeIndex(t *testing.T) {
	r := opsTestRoom()
	node := createTable(t, r, "users")

	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:         protocol.OpUpdateColumn,
		UpdateColumn: &protocol.UpdateColumnOp{Node: node, Index: 0, Col: types.Column{Name: "id", Type: "uuid"}},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "out_of_range", ve.Code)
}

func TestApplyCreateRelationshipRejectsDanglingEndpoint(t *testing.T) {
	r := opsTestRoom()
	node := createTable(t, r, "users")

	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind: protocol.OpCreateRelationship,
		CreateRelationship: &protocol.CreateRelationshipOp{
			FromNode: node, ToNode: 999, FromColumn: "id", ToColumn: "user_id", Kind: types.RelationshipOneToMany,
		},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "dangling_fk", ve.Code)
}

func TestApplyCreateRelationshipSucceedsBetweenExistingTables(t *testing.T) {
	r := opsTestRoom()
	users := createTable(t, r, "users")
	orders := createTable(t, r, "orders")

	change, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind: protocol.OpCreateRelationship,
		CreateRelationship: &protocol.CreateRelationshipOp{
			FromNode: orders, ToNode: users, FromColumn: "user_id", ToColumn: "id", Kind: types.RelationshipOneToMany,
		},
	})
	require.NoError(t, err)
	assert.False(t, change.Stale)

	state := r.State()
	require.Len(t, state.Relationships, 1)
	assert.Equal(t, uint64(1), state.Relationships[0].Version)
}

func TestApplyUpdateRelationshipWithStaleObservedVersionIsServerWins(t *testing.T) {
	r := opsTestRoom()
	users := createTable(t, r, "users")
	orders := createTable(t, r, "orders")

	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind: protocol.OpCreateRelationship,
		CreateRelationship: &protocol.CreateRelationshipOp{
			FromNode: orders, ToNode: users, FromColumn: "user_id", ToColumn: "id", Kind: types.RelationshipOneToMany,
		},
	})
	require.NoError(t, err)
	edge := r.State().Relationships[0].EdgeId

	stale := uint64(0)
	change, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{
		Kind:               protocol.OpUpdateRelationship,
		ObservedVersion:    &stale,
		UpdateRelationship: &protocol.UpdateRelationshipOp{Edge: edge, Kind: types.RelationshipOneToOne},
	})
	require.NoError(t, err)
	assert.True(t, change.Stale)

	state := r.State()
	assert.Equal(t, types.RelationshipOneToMany, state.Relationships[0].Kind)
}

func TestApplyOpRejectsUnknownKind(t *testing.T) {
	r := opsTestRoom()
	_, err := r.ApplyOp(types.NewUserId(), protocol.GraphOperation{Kind: "bogus"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "unknown_op", ve.Code)
}

func TestApplyOpRejectsViewerRole(t *testing.T) {
	r := opsTestRoom()
	viewer := types.NewUserId()
	_, err := r.AddUser(viewer, "viewer", "#ff0000", types.RoleViewer)
	require.NoError(t, err)

	_, err = r.ApplyOp(viewer, protocol.GraphOperation{
		Kind:        protocol.OpCreateTable,
		CreateTable: &protocol.CreateTableOp{Name: "users"},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "permission_denied", ve.Code)
	assert.Empty(t, r.State().Tables)
}

func TestApplyOpAllowsEditorAndOwnerRoles(t *testing.T) {
	r := opsTestRoom()
	editor := types.NewUserId()
	owner := types.NewUserId()
	_, err := r.AddUser(editor, "editor", "#00ff00", types.RoleEditor)
	require.NoError(t, err)
	_, err = r.AddUser(owner, "owner", "#0000ff", types.RoleOwner)
	require.NoError(t, err)

	_, err = r.ApplyOp(editor, protocol.GraphOperation{
		Kind:        protocol.OpCreateTable,
		CreateTable: &protocol.CreateTableOp{Name: "editor_table"},
	})
	require.NoError(t, err)

	_, err = r.ApplyOp(owner, protocol.GraphOperation{
		Kind:        protocol.OpCreateTable,
		CreateTable: &protocol.CreateTableOp{Name: "owner_table"},
	})
	require.NoError(t, err)

	assert.Len(t, r.State().Tables, 2)
}
