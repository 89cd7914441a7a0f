// Package types holds the domain model shared across the collaboration
// core: identifiers, schema elements, participants, and the small set of
// value objects passed between room, broadcast, snapshot and session.
package types

import (
	"time"

	"github.com/google/uuid"
)

// RoomId, UserId and DiagramId are opaque 128-bit identifiers. They are
// distinct Go types so a UserId can never be passed where a RoomId is
// expected, even though both are backed by uuid.UUID.
type RoomId uuid.UUID

type UserId uuid.UUID

type DiagramId uuid.UUID

func NewRoomId() RoomId       { return RoomId(uuid.New()) }
func NewUserId() UserId       { return UserId(uuid.New()) }
func NewDiagramId() DiagramId { return DiagramId(uuid.New()) }
func (r RoomId) String() string    { return uuid.UUID(r).String() }
func (u UserId) String() string    { return uuid.UUID(u).String() }
func (d DiagramId) String() string { return uuid.UUID(d).String() }

func ParseRoomId(s string) (RoomId, error) {
	id, err := uuid.Parse(s)
	return RoomId(id), err
}

func ParseUserId(s string) (UserId, error) {
	id, err := uuid.Parse(s)
	return UserId(id), err
}

func ParseDiagramId(s string) (DiagramId, error) {
	id, err := uuid.Parse(s)
	return DiagramId(id), err
}

// NodeId and EdgeId are unsigned 64-bit integers, local to a room.
type NodeId uint64
type EdgeId uint64

// RelationshipKind enumerates the supported foreign-key relationship shapes.
type RelationshipKind string

const (
	RelationshipOneToOne   RelationshipKind = "one_to_one"
	RelationshipOneToMany  RelationshipKind = "one_to_many"
	RelationshipManyToMany RelationshipKind = "many_to_many"
)

// Position is a 2D coordinate on the diagram canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ColumnFlags captures the boolean attributes of a column.
type ColumnFlags struct {
	PrimaryKey bool `json:"primaryKey,omitempty"`
	Nullable   bool `json:"nullable,omitempty"`
	Unique     bool `json:"unique,omitempty"`
	// ForeignKeyRef is the referenced "table.column" when this column is an
	// FK endpoint. Empty when this column is not a foreign key.
	ForeignKeyRef string `json:"fkRef,omitempty"`
}

// Column belongs to exactly one Table; editing it bumps the owning table's
// version rather than carrying a version of its own.
type Column struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Flags ColumnFlags `json:"flags"`
}

// Table is a versioned schema element.
type Table struct {
	NodeId   NodeId   `json:"nodeId"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Columns  []Column `json:"columns"`
	Version  uint64   `json:"version"`
}

// Relationship is a versioned schema element connecting two tables by
// column. It never owns its endpoints; it references them by id.
type Relationship struct {
	EdgeId     EdgeId           `json:"edgeId"`
	FromNode   NodeId           `json:"fromNode"`
	ToNode     NodeId           `json:"toNode"`
	FromColumn string           `json:"fromColumn"`
	ToColumn   string           `json:"toColumn"`
	Kind       RelationshipKind `json:"kind"`
	Version    uint64           `json:"version"`
}

// GraphState is the complete, serializable schema document: the unit
// handed to codecs and to the broadcast manager. It round-trips through
// the binary codec modulo field ordering.
type GraphState struct {
	Tables        []Table        `json:"tables"`
	Relationships []Relationship `json:"relationships"`
}

// Clone returns a deep copy so callers holding a room's lock can safely
// hand a snapshot of state to code that runs outside the lock.
func (g GraphState) Clone() GraphState {
	tables := make([]Table, len(g.Tables))
	for i, t := range g.Tables {
		cols := make([]Column, len(t.Columns))
		copy(cols, t.Columns)
		t.Columns = cols
		tables[i] = t
	}
	rels := make([]Relationship, len(g.Relationships))
	copy(rels, g.Relationships)
	return GraphState{Tables: tables, Relationships: rels}
}

// Activity is the per-participant presence state.
type Activity string

const (
	ActivityActive Activity = "active"
	ActivityIdle   Activity = "idle"
	ActivityAway   Activity = "away"
)

// Role is a participant's edit privilege level within a room, per
// spec.md's PermissionDenied edge case: owners and editors may mutate
// the graph, viewers may only observe.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Participant is a user currently joined to a room with a live session.
type Participant struct {
	UserId         UserId    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	Role           Role      `json:"role"`
	Cursor         *Position `json:"cursor,omitempty"`
	Activity       Activity  `json:"activity"`
	LastActivityTs time.Time `json:"lastActivityTs"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// AwarenessBlob is opaque, transient per-user metadata (selection state,
// viewport hints, presence color, etc.) not persisted with the schema.
type AwarenessBlob map[string]any

// ElementKey identifies a single table or relationship inside a ledger or
// delta, disambiguating the two id spaces which both start at zero.
type ElementKey struct {
	IsRelationship bool
	NodeId         NodeId
	EdgeId         EdgeId
}

func TableKey(id NodeId) ElementKey        { return ElementKey{NodeId: id} }
func RelationshipKey(id EdgeId) ElementKey { return ElementKey{IsRelationship: true, EdgeId: id} }
