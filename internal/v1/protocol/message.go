// Package protocol defines the wire taxonomy of the collaboration core:
// the JSON envelope exchanged over the WebSocket, the five semantic
// message types and four priority classes, the GraphOperation payload,
// and the binary codec used for snapshot/state transport.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags every message exchanged over the WebSocket. Dispatch is
// an exhaustive switch over this tag; there is no open-ended subtyping.
type MessageType string

const (
	MessageAuth             MessageType = "auth"
	MessageAuthResult       MessageType = "auth_result"
	MessageJoin             MessageType = "join"
	MessageLeave            MessageType = "leave"
	MessageRoomInfo         MessageType = "room_info"
	MessageGraphOp          MessageType = "graph_op"
	MessageCursorMove       MessageType = "cursor_move"
	MessageIdleStatus       MessageType = "idle_status"
	MessageUserViewport     MessageType = "user_viewport"
	MessageAwareness        MessageType = "awareness"
	MessageOpRejected       MessageType = "op_rejected"
	MessageSnapshotRecovery MessageType = "snapshot_recovery"
	MessageGraphState       MessageType = "graph_state"
	MessageGraphDelta       MessageType = "graph_delta"
	MessageUserJoined       MessageType = "user_joined"
	MessageUserLeft         MessageType = "user_left"
	MessageRoomEnded        MessageType = "room_ended"
)

// Priority is one of Volatile/Low/Normal/Critical; it governs drop policy
// and cross-session ordering guarantees.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityVolatile Priority = "volatile"
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
)

// Priority returns the fixed priority class for a message type. This is a
// pure function of the tag, per the dispatch-over-types design.
func (t MessageType) Priority() Priority {
	switch t {
	case MessageCursorMove:
		return PriorityVolatile
	case MessageIdleStatus, MessageUserViewport:
		return PriorityLow
	case MessageAwareness:
		return PriorityNormal
	default:
		return PriorityCritical
	}
}

// Droppable reports whether a message of this type may be silently
// dropped by the rate limiter or a throttler.
func (t MessageType) Droppable() bool {
	switch t.Priority() {
	case PriorityVolatile, PriorityLow, PriorityNormal:
		return true
	default:
		return false
	}
}

// OrderPreserving reports whether the server must deliver messages of this
// type to peers in the same relative order the sender emitted them.
func (t MessageType) OrderPreserving() bool {
	return t.Priority() == PriorityCritical
}

// Message is the tagged envelope carried over the WebSocket; every
// Payload is JSON. GraphState and SnapshotRecovery carry the binary
// codec's output in []byte fields of their payload structs, which
// encoding/json writes as base64 strings.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals a message's JSON payload into T. It is the
// generic counterpart of the teacher's assertPayload helper.
func DecodePayload[T any](m Message) (T, error) {
	var out T
	if len(m.Payload) == 0 {
		return out, fmt.Errorf("%w: empty payload for %s", ErrProtocol, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: decoding %s payload: %v", ErrProtocol, m.Type, err)
	}
	return out, nil
}

// Encode wraps a payload value into a tagged Message ready for marshaling.
func Encode(t MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: encoding %s payload: %v", ErrProtocol, t, err)
	}
	return Message{Type: t, Payload: raw}, nil
}
