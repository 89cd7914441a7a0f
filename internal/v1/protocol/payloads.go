package protocol

import (
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// Auth is the first Client→Server message on a new connection; it must
// arrive within the auth timeout.
type Auth struct {
	Token  string `json:"token"`
	RoomId string `json:"roomId"`
}

// AuthResult reports the outcome of an Auth attempt.
type AuthResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// RoomInfo carries the current participant list, sent immediately after
// AuthSuccess on entry to Joined.
type RoomInfo struct {
	RoomId       string              `json:"roomId"`
	DiagramId    string              `json:"diagramId"`
	OwnerId      string              `json:"ownerId"`
	Participants []types.Participant `json:"participants"`
}

// UserJoined/UserLeft are broadcast to peers on admission/departure.
type UserJoined struct {
	Participant types.Participant `json:"participant"`
}

type UserLeft struct {
	UserId string `json:"userId"`
}

// RoomEnded is broadcast once, immediately before every socket in the room
// is closed with CloseRoomEnded.
type RoomEnded struct {
	Reason string `json:"reason,omitempty"`
}

// CursorMove carries a volatile pointer position.
type CursorMove struct {
	UserId   string        `json:"userId,omitempty"`
	Position types.Position `json:"position"`
}

// IdleStatus reports an activity-state transition for one participant.
type IdleStatus struct {
	UserId   string         `json:"userId,omitempty"`
	Activity types.Activity `json:"activity"`
}

// UserViewport reports a participant's visible canvas region.
type UserViewport struct {
	UserId string         `json:"userId,omitempty"`
	Center types.Position `json:"center"`
	Zoom   float64        `json:"zoom"`
}

// Awareness carries a batch of per-user ephemeral metadata, keyed by user.
type Awareness struct {
	Blobs map[string]types.AwarenessBlob `json:"blobs"`
}

// OpKind enumerates the GraphOperation variants.
type OpKind string

const (
	OpCreateTable        OpKind = "create_table"
	OpDeleteTable        OpKind = "delete_table"
	OpRenameTable        OpKind = "rename_table"
	OpMoveTable          OpKind = "move_table"
	OpAddColumn          OpKind = "add_column"
	OpUpdateColumn       OpKind = "update_column"
	OpDeleteColumn       OpKind = "delete_column"
	OpCreateRelationship OpKind = "create_relationship"
	OpDeleteRelationship OpKind = "delete_relationship"
	OpUpdateRelationship OpKind = "update_relationship"
)

// GraphOperation is the Update payload. It is a tagged union: exactly one
// of the pointer fields matching Kind is populated. ObservedVersion, when
// set, drives the room's optimistic-concurrency check.
type GraphOperation struct {
	Kind            OpKind  `json:"kind"`
	ObservedVersion *uint64 `json:"observedVersion,omitempty"`

	CreateTable        *CreateTableOp        `json:"createTable,omitempty"`
	DeleteTable        *DeleteTableOp        `json:"deleteTable,omitempty"`
	RenameTable        *RenameTableOp        `json:"renameTable,omitempty"`
	MoveTable          *MoveTableOp          `json:"moveTable,omitempty"`
	AddColumn          *AddColumnOp          `json:"addColumn,omitempty"`
	UpdateColumn       *UpdateColumnOp       `json:"updateColumn,omitempty"`
	DeleteColumn       *DeleteColumnOp       `json:"deleteColumn,omitempty"`
	CreateRelationship *CreateRelationshipOp `json:"createRelationship,omitempty"`
	DeleteRelationship *DeleteRelationshipOp `json:"deleteRelationship,omitempty"`
	UpdateRelationship *UpdateRelationshipOp `json:"updateRelationship,omitempty"`
}

type CreateTableOp struct {
	At   types.Position `json:"at"`
	Name string         `json:"name"`
}

type DeleteTableOp struct {
	Node types.NodeId `json:"node"`
}

type RenameTableOp struct {
	Node    types.NodeId `json:"node"`
	NewName string       `json:"newName"`
}

type MoveTableOp struct {
	Node types.NodeId   `json:"node"`
	Pos  types.Position `json:"pos"`
}

type AddColumnOp struct {
	Node types.NodeId  `json:"node"`
	Col  types.Column  `json:"col"`
}

type UpdateColumnOp struct {
	Node  types.NodeId `json:"node"`
	Index int          `json:"index"`
	Col   types.Column `json:"col"`
}

type DeleteColumnOp struct {
	Node  types.NodeId `json:"node"`
	Index int          `json:"index"`
}

type CreateRelationshipOp struct {
	FromNode   types.NodeId           `json:"fromNode"`
	ToNode     types.NodeId           `json:"toNode"`
	FromColumn string                 `json:"fromColumn"`
	ToColumn   string                 `json:"toColumn"`
	Kind       types.RelationshipKind `json:"kind"`
}

type DeleteRelationshipOp struct {
	Edge types.EdgeId `json:"edge"`
}

type UpdateRelationshipOp struct {
	Edge       types.EdgeId           `json:"edge"`
	FromColumn string                 `json:"fromColumn,omitempty"`
	ToColumn   string                 `json:"toColumn,omitempty"`
	Kind       types.RelationshipKind `json:"kind,omitempty"`
}

// OpRejected is the structured response to a rejected GraphOp.
type OpRejected struct {
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion,omitempty"`
}

// SnapshotRecovery is a one-shot Critical message carrying the binary
// snapshot blob, sent at most once, immediately after RoomInfo.
type SnapshotRecovery struct {
	SnapshotId   string    `json:"snapshotId"`
	SnapshotData []byte    `json:"snapshotData"`
	ElementCount int       `json:"elementCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// GraphStateMessage carries the authoritative post-recovery state, sent
// once on join and again on every full-sync.
type GraphStateMessage struct {
	State []byte `json:"state"`
}

// GraphDelta carries the subset of tables/relationships whose version
// exceeds a recipient's ledger entry. Tie-break ordering within each list
// is ascending id; tables are listed before relationships is enforced by
// field order plus the broadcast manager's construction, not by this
// type itself. Absence of an element here never implies deletion —
// deletions only ever arrive as explicit GraphOps.
type GraphDelta struct {
	Tables        []types.Table        `json:"tables,omitempty"`
	Relationships []types.Relationship `json:"relationships,omitempty"`
}
