package room

import (
	"errors"

	"github.com/schemacollab/liveshare-core/internal/v1/metrics"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/types"

	"k8s.io/utils/set"
)

// editRoles is the set of roles permitted to mutate the graph; a role
// found outside it (Viewer) gets PermissionDenied on every op kind.
var editRoles = set.New(types.RoleOwner, types.RoleEditor)

// errStale signals an optimistic-concurrency conflict: the op itself was
// well-formed, but the submitter's observed version trailed the stored
// one. The server's copy wins; the submitter gets a corrective full-sync
// rather than an OpRejected, and peers receive no broadcast at all.
var errStale = errors.New("room: stale observed version")

// AppliedChange is returned by ApplyOp for the caller to broadcast; Stale
// is set when the op was rejected for an out-of-date ObservedVersion, in
// which case the submitter (not peers) needs a corrective full-sync.
type AppliedChange struct {
	Op    protocol.GraphOperation
	Stale bool
}

// ApplyOp validates op against current state, mutates it, bumps the
// affected element's version by exactly one, and returns the change for
// broadcasting. On a ValidationError the caller drops the op and returns
// OpRejected plus a corrective full-sync to the submitter; state is left
// untouched.
func (r *Room) ApplyOp(sender types.UserId, op protocol.GraphOperation) (AppliedChange, error) {
	if role, ok := r.roleOf(sender); ok && !editRoles.Has(role) {
		metrics.GraphOpsApplied.WithLabelValues(string(op.Kind), "rejected").Inc()
		return AppliedChange{}, newValidationError("permission_denied", "your role does not permit editing this diagram", "ask the owner for edit access")
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	var err error
	switch op.Kind {
	case protocol.OpCreateTable:
		err = r.applyCreateTable(op.CreateTable)
	case protocol.OpDeleteTable:
		err = r.applyDeleteTable(op.DeleteTable)
	case protocol.OpRenameTable:
		err = r.applyRenameTable(op.RenameTable, op.ObservedVersion)
	case protocol.OpMoveTable:
		err = r.applyMoveTable(op.MoveTable, op.ObservedVersion)
	case protocol.OpAddColumn:
		err = r.applyAddColumn(op.AddColumn)
	case protocol.OpUpdateColumn:
		err = r.applyUpdateColumn(op.UpdateColumn, op.ObservedVersion)
	case protocol.OpDeleteColumn:
		err = r.applyDeleteColumn(op.DeleteColumn)
	case protocol.OpCreateRelationship:
		err = r.applyCreateRelationship(op.CreateRelationship)
	case protocol.OpDeleteRelationship:
		err = r.applyDeleteRelationship(op.DeleteRelationship)
	case protocol.OpUpdateRelationship:
		err = r.applyUpdateRelationship(op.UpdateRelationship, op.ObservedVersion)
	default:
		err = newValidationError("unknown_op", "unrecognized operation kind", "")
	}

	if errors.Is(err, errStale) {
		metrics.GraphOpsApplied.WithLabelValues(string(op.Kind), "stale").Inc()
		return AppliedChange{Op: op, Stale: true}, nil
	}
	if err != nil {
		metrics.GraphOpsApplied.WithLabelValues(string(op.Kind), "rejected").Inc()
		return AppliedChange{}, err
	}
	metrics.GraphOpsApplied.WithLabelValues(string(op.Kind), "applied").Inc()
	return AppliedChange{Op: op}, nil
}

func (r *Room) findTable(node types.NodeId) (int, *types.Table) {
	for i := range r.state.Tables {
		if r.state.Tables[i].NodeId == node {
			return i, &r.state.Tables[i]
		}
	}
	return -1, nil
}

func (r *Room) findRelationship(edge types.EdgeId) (int, *types.Relationship) {
	for i := range r.state.Relationships {
		if r.state.Relationships[i].EdgeId == edge {
			return i, &r.state.Relationships[i]
		}
	}
	return -1, nil
}

func (r *Room) tableNameTaken(name string, except types.NodeId) bool {
	for _, t := range r.state.Tables {
		if t.Name == name && t.NodeId != except {
			return true
		}
	}
	return false
}

// checkObservedVersion performs the optimistic-concurrency check: when
// the op carries an observed version, it must be >= the stored version,
// otherwise the server's copy wins and the submitter needs a corrective
// resync rather than a ValidationError (the op itself was well-formed).
func checkObservedVersion(observed *uint64, stored uint64) bool {
	if observed == nil {
		return true
	}
	return *observed >= stored
}

func (r *Room) applyCreateTable(op *protocol.CreateTableOp) error {
	if op == nil {
		return newValidationError("bad_payload", "createTable op missing its payload", "")
	}
	if r.tableNameTaken(op.Name, 0) {
		return newValidationError("duplicate_name", "a table with this name already exists", "choose a different name")
	}
	nextID := types.NodeId(1)
	for _, t := range r.state.Tables {
		if t.NodeId >= nextID {
			nextID = t.NodeId + 1
		}
	}
	r.state.Tables = append(r.state.Tables, types.Table{
		NodeId: nextID, Name: op.Name, Position: op.At, Version: 1,
	})
	return nil
}

func (r *Room) applyDeleteTable(op *protocol.DeleteTableOp) error {
	if op == nil {
		return newValidationError("bad_payload", "deleteTable op missing its payload", "")
	}
	idx, _ := r.findTable(op.Node)
	if idx < 0 {
		return newValidationError("not_found", "table does not exist", "")
	}
	r.state.Tables = append(r.state.Tables[:idx], r.state.Tables[idx+1:]...)
	return nil
}

func (r *Room) applyRenameTable(op *protocol.RenameTableOp, observed *uint64) error {
	if op == nil {
		return newValidationError("bad_payload", "renameTable op missing its payload", "")
	}
	_, table := r.findTable(op.Node)
	if table == nil {
		return newValidationError("not_found", "table does not exist", "")
	}
	if r.tableNameTaken(op.NewName, op.Node) {
		return newValidationError("duplicate_name", "a table with this name already exists", "choose a different name")
	}
	if !checkObservedVersion(observed, table.Version) {
		return errStale
	}
	table.Name = op.NewName
	table.Version++
	return nil
}

func (r *Room) applyMoveTable(op *protocol.MoveTableOp, observed *uint64) error {
	if op == nil {
		return newValidationError("bad_payload", "moveTable op missing its payload", "")
	}
	_, table := r.findTable(op.Node)
	if table == nil {
		return newValidationError("not_found", "table does not exist", "")
	}
	if !checkObservedVersion(observed, table.Version) {
		return errStale
	}
	table.Position = op.Pos
	table.Version++
	return nil
}

func (r *Room) applyAddColumn(op *protocol.AddColumnOp) error {
	if op == nil {
		return newValidationError("bad_payload", "addColumn op missing its payload", "")
	}
	_, table := r.findTable(op.Node)
	if table == nil {
		return newValidationError("not_found", "table does not exist", "")
	}
	for _, c := range table.Columns {
		if c.Name == op.Col.Name {
			return newValidationError("duplicate_column", "a column with this name already exists", "choose a different name")
		}
	}
	table.Columns = append(table.Columns, op.Col)
	table.Version++
	return nil
}

func (r *Room) applyUpdateColumn(op *protocol.UpdateColumnOp, observed *uint64) error {
	if op == nil {
		return newValidationError("bad_payload", "updateColumn op missing its payload", "")
	}
	_, table := r.findTable(op.Node)
	if table == nil {
		return newValidationError("not_found", "table does not exist", "")
	}
	if op.Index < 0 || op.Index >= len(table.Columns) {
		return newValidationError("out_of_range", "column index out of range", "")
	}
	if !checkObservedVersion(observed, table.Version) {
		return errStale
	}
	table.Columns[op.Index] = op.Col
	table.Version++
	return nil
}

func (r *Room) applyDeleteColumn(op *protocol.DeleteColumnOp) error {
	if op == nil {
		return newValidationError("bad_payload", "deleteColumn op missing its payload", "")
	}
	_, table := r.findTable(op.Node)
	if table == nil {
		return newValidationError("not_found", "table does not exist", "")
	}
	if op.Index < 0 || op.Index >= len(table.Columns) {
		return newValidationError("out_of_range", "column index out of range", "")
	}
	table.Columns = append(table.Columns[:op.Index], table.Columns[op.Index+1:]...)
	table.Version++
	return nil
}

func (r *Room) applyCreateRelationship(op *protocol.CreateRelationshipOp) error {
	if op == nil {
		return newValidationError("bad_payload", "createRelationship op missing its payload", "")
	}
	if _, t := r.findTable(op.FromNode); t == nil {
		return newValidationError("dangling_fk", "fromNode does not reference an existing table", "")
	}
	if _, t := r.findTable(op.ToNode); t == nil {
		return newValidationError("dangling_fk", "toNode does not reference an existing table", "")
	}
	nextID := types.EdgeId(1)
	for _, rel := range r.state.Relationships {
		if rel.EdgeId >= nextID {
			nextID = rel.EdgeId + 1
		}
	}
	r.state.Relationships = append(r.state.Relationships, types.Relationship{
		EdgeId: nextID, FromNode: op.FromNode, ToNode: op.ToNode,
		FromColumn: op.FromColumn, ToColumn: op.ToColumn, Kind: op.Kind, Version: 1,
	})
	return nil
}

func (r *Room) applyDeleteRelationship(op *protocol.DeleteRelationshipOp) error {
	if op == nil {
		return newValidationError("bad_payload", "deleteRelationship op missing its payload", "")
	}
	idx, _ := r.findRelationship(op.Edge)
	if idx < 0 {
		return newValidationError("not_found", "relationship does not exist", "")
	}
	r.state.Relationships = append(r.state.Relationships[:idx], r.state.Relationships[idx+1:]...)
	return nil
}

func (r *Room) applyUpdateRelationship(op *protocol.UpdateRelationshipOp, observed *uint64) error {
	if op == nil {
		return newValidationError("bad_payload", "updateRelationship op missing its payload", "")
	}
	_, rel := r.findRelationship(op.Edge)
	if rel == nil {
		return newValidationError("not_found", "relationship does not exist", "")
	}
	if !checkObservedVersion(observed, rel.Version) {
		return errStale
	}
	if op.FromColumn != "" {
		rel.FromColumn = op.FromColumn
	}
	if op.ToColumn != "" {
		rel.ToColumn = op.ToColumn
	}
	if op.Kind != "" {
		rel.Kind = op.Kind
	}
	rel.Version++
	return nil
}
