package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/auth"
	"github.com/schemacollab/liveshare-core/internal/v1/metrics"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/registry"
	"github.com/schemacollab/liveshare-core/internal/v1/room"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// roleFromClaims derives a participant's room role: the diagram owner
// always gets Owner, everyone else is Editor unless their token's scope
// explicitly limits them to read access.
func roleFromClaims(userID, ownerID types.UserId, claims *auth.CustomClaims) types.Role {
	if userID == ownerID {
		return types.RoleOwner
	}
	scopes := strings.Fields(claims.Scope)
	for _, s := range scopes {
		if s == "read:diagrams" {
			return types.RoleViewer
		}
	}
	return types.RoleEditor
}

// handleInbound is the Session's full dispatch table: parse already
// happened in readLoop, so this starts from a decoded envelope.
func (s *Session) handleInbound(msg protocol.Message) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateAwaitingAuth {
		if msg.Type != protocol.MessageAuth {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleAuth(msg)
		return
	}
	if state != StateJoined {
		return
	}

	if !s.limiter.Allow(msg.Type) {
		if msg.Type.Priority() == protocol.PriorityCritical {
			s.close(protocol.CloseRateLimitExceeded)
		}
		return
	}

	switch msg.Type {
	case protocol.MessageGraphOp:
		op, err := protocol.DecodePayload[protocol.GraphOperation](msg)
		if err != nil {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleGraphOp(op)
	case protocol.MessageCursorMove:
		cm, err := protocol.DecodePayload[protocol.CursorMove](msg)
		if err != nil {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleCursorMove(cm.Position)
	case protocol.MessageAwareness:
		aw, err := protocol.DecodePayload[protocol.Awareness](msg)
		if err != nil {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleAwareness(aw.Blobs)
	case protocol.MessageIdleStatus:
		is, err := protocol.DecodePayload[protocol.IdleStatus](msg)
		if err != nil {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleVisibilityHint(is.Activity)
	case protocol.MessageUserViewport:
		vp, err := protocol.DecodePayload[protocol.UserViewport](msg)
		if err != nil {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleViewport(vp)
	default:
		s.close(protocol.CloseProtocolError)
	}
}

func (s *Session) handleAuth(msg protocol.Message) {
	authMsg, err := protocol.DecodePayload[protocol.Auth](msg)
	if err != nil {
		s.close(protocol.CloseProtocolError)
		return
	}

	claims, err := s.validator.ValidateToken(authMsg.Token)
	if err != nil {
		s.rejectAuth("invalid_token", protocol.CloseAuthFailure)
		return
	}
	userID, err := types.ParseUserId(claims.Subject)
	if err != nil {
		s.rejectAuth("invalid_subject", protocol.CloseAuthFailure)
		return
	}
	roomID, err := types.ParseRoomId(authMsg.RoomId)
	if err != nil {
		s.rejectAuth("invalid_room", protocol.CloseAuthFailure)
		return
	}

	ctx := context.Background()
	r, err := s.reg.JoinRoom(ctx, userID, roomID)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomClosed):
			s.rejectAuth("room_closed", protocol.CloseAuthFailure)
		case errors.Is(err, registry.ErrPermissionDenied):
			s.rejectAuth("permission_denied", protocol.ClosePermissionDenied)
		default:
			s.rejectAuth("join_failed", protocol.CloseAuthFailure)
		}
		return
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = "Guest"
	}

	role := roleFromClaims(userID, r.OwnerID, claims)
	participant, err := r.AddUser(userID, displayName, colorFor(userID), role)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomFull):
			s.rejectAuth("room_full", protocol.CloseRoomFull)
		case errors.Is(err, room.ErrAlreadyJoined):
			s.rejectAuth("already_joined", protocol.CloseAuthFailure)
		case errors.Is(err, room.ErrRoomClosed):
			s.rejectAuth("room_closed", protocol.CloseAuthFailure)
		default:
			s.rejectAuth("join_failed", protocol.CloseAuthFailure)
		}
		return
	}

	now := s.clk.Now()
	s.mu.Lock()
	s.userID = userID
	s.room = r
	s.state = StateJoined
	s.activity = types.ActivityActive
	s.lastInputAt = now
	s.lastActivityBroadcast = now
	s.mu.Unlock()

	s.enterJoined(participant)
}

func (s *Session) rejectAuth(reason string, code protocol.CloseCode) {
	s.mu.Lock()
	s.state = StateRejected
	s.mu.Unlock()
	s.enqueue(protocol.MessageAuthResult, protocol.AuthResult{Success: false, Reason: reason})
	s.close(code)
}

// enterJoined performs the fixed six-step sequence spec.md §4.7
// mandates on entry to Joined: AuthSuccess, RoomInfo, SnapshotRecovery
// (if any), full GraphState, broadcast-manager registration, UserJoined.
func (s *Session) enterJoined(participant types.Participant) {
	s.enqueue(protocol.MessageAuthResult, protocol.AuthResult{Success: true})

	s.enqueue(protocol.MessageRoomInfo, protocol.RoomInfo{
		RoomId:       s.room.ID.String(),
		DiagramId:    s.room.DiagramID.String(),
		OwnerId:      s.room.OwnerID.String(),
		Participants: s.room.Participants(),
	})

	if rec, ok := s.room.Snapshots.GetLatest(); ok {
		s.enqueue(protocol.MessageSnapshotRecovery, protocol.SnapshotRecovery{
			SnapshotId:   rec.ID,
			SnapshotData: rec.Data,
			ElementCount: rec.ElementCount,
			CreatedAt:    rec.CreatedAt,
		})
	}

	state := s.room.State()
	data, err := protocol.EncodeGraphState(state)
	if err == nil {
		s.enqueue(protocol.MessageGraphState, protocol.GraphStateMessage{State: data})
	}

	s.room.Broadcast.RegisterUser(s.userID, s)
	s.room.Broadcast.MarkFullSync(s.userID, state)

	s.room.Broadcast.Broadcast(s.userID, protocol.MessageUserJoined, protocol.UserJoined{Participant: participant})
	metrics.RoomParticipants.WithLabelValues(s.room.ID.String()).Set(float64(s.room.ParticipantCount()))
}

func (s *Session) handleGraphOp(op protocol.GraphOperation) {
	s.lastInputAt = s.clk.Now()

	change, err := s.room.ApplyOp(s.userID, op)
	if valErr, ok := asValidationError(err); ok {
		s.sendCorrectiveSync()
		s.enqueue(protocol.MessageOpRejected, protocol.OpRejected{
			Code: valErr.Code, Reason: valErr.Reason, Suggestion: valErr.Suggestion,
		})
		return
	}
	if err != nil {
		return
	}
	if change.Stale {
		s.sendCorrectiveSync()
		return
	}
	if s.schemaThrottler.ShouldSend() {
		s.schemaThrottler.MarkSent()
		s.room.BroadcastUpdate(s.userID)
	}
}

// sendCorrectiveSync pushes the authoritative full state straight to
// this submitter alone, per spec.md §4.6/§7: the server's copy wins a
// stale/rejected op, and the submitter is resynced rather than the op
// being echoed to peers.
func (s *Session) sendCorrectiveSync() {
	state := s.room.State()
	data, err := protocol.EncodeGraphState(state)
	if err != nil {
		return
	}
	s.enqueue(protocol.MessageGraphState, protocol.GraphStateMessage{State: data})
	s.room.Broadcast.MarkFullSync(s.userID, state)
}

func (s *Session) handleCursorMove(pos types.Position) {
	s.lastInputAt = s.clk.Now()
	s.room.UpdateCursor(s.userID, pos)
	if sendPos, ok := s.cursorThrottler.Update(pos); ok {
		s.room.Broadcast.Broadcast(s.userID, protocol.MessageCursorMove, protocol.CursorMove{UserId: s.userID.String(), Position: sendPos})
	}
}

func (s *Session) handleAwareness(blobs map[string]types.AwarenessBlob) {
	s.lastInputAt = s.clk.Now()
	if blob, ok := blobs[s.userID.String()]; ok {
		s.awarenessBatcher.Add(blob)
		return
	}
	for _, blob := range blobs {
		s.awarenessBatcher.Add(blob)
	}
}

func (s *Session) handleVisibilityHint(a types.Activity) {
	s.hidden = a == types.ActivityAway
	if !s.hidden {
		s.lastInputAt = s.clk.Now()
	}
}

func (s *Session) handleViewport(vp protocol.UserViewport) {
	s.lastInputAt = s.clk.Now()
	s.room.Broadcast.Broadcast(s.userID, protocol.MessageUserViewport, protocol.UserViewport{
		UserId: s.userID.String(), Center: vp.Center, Zoom: vp.Zoom,
	})
}

func (s *Session) drainCursor() {
	pos, ok := s.cursorThrottler.DrainPending()
	if !ok {
		return
	}
	s.room.Broadcast.Broadcast(s.userID, protocol.MessageCursorMove, protocol.CursorMove{UserId: s.userID.String(), Position: pos})
}

func (s *Session) drainAwareness() {
	blob, ok := s.awarenessBatcher.DrainPending()
	if !ok {
		return
	}
	s.room.UpdateAwareness(s.userID, blob)
	s.room.Broadcast.Broadcast(s.userID, protocol.MessageAwareness, protocol.Awareness{
		Blobs: map[string]types.AwarenessBlob{s.userID.String(): blob},
	})
}

// recomputeActivity implements the per-participant activity state
// machine (spec.md §4.7): Active on recent input, Idle after
// IdleThreshold of inactivity while visible, Away when hidden or after
// AwayThreshold. Transitions broadcast via IdleStatus, coalesced to at
// most one per ActivityCoalesceWindow.
func (s *Session) recomputeActivity(now time.Time) {
	var next types.Activity
	switch {
	case s.hidden || now.Sub(s.lastInputAt) >= s.cfg.AwayThreshold:
		next = types.ActivityAway
	case now.Sub(s.lastInputAt) >= s.cfg.IdleThreshold:
		next = types.ActivityIdle
	default:
		next = types.ActivityActive
	}

	if next != s.activity {
		s.activity = next
		s.room.UpdateActivity(s.userID, next)
		if s.lastActivityBroadcast.IsZero() || now.Sub(s.lastActivityBroadcast) >= s.cfg.ActivityCoalesceWindow {
			s.broadcastActivity(now, next)
		} else {
			s.pendingActivity = &next
		}
		return
	}

	if s.pendingActivity != nil && now.Sub(s.lastActivityBroadcast) >= s.cfg.ActivityCoalesceWindow {
		s.broadcastActivity(now, *s.pendingActivity)
	}
}

func (s *Session) broadcastActivity(now time.Time, a types.Activity) {
	s.lastActivityBroadcast = now
	s.pendingActivity = nil
	s.room.Broadcast.Broadcast(s.userID, protocol.MessageIdleStatus, protocol.IdleStatus{UserId: s.userID.String(), Activity: a})
}
