// Package session implements the Session: one per WebSocket connection.
// It owns the connection's rate limiter and throttlers, authenticates
// against the Room Registry, dispatches inbound messages, and drains a
// bounded outbound queue. State machine (spec.md §4.7):
//
//	Connected -> AwaitingAuth -> Joined -> Disconnected
//	                          \-> Rejected -> Disconnected
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schemacollab/liveshare-core/internal/v1/auth"
	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/logging"
	"github.com/schemacollab/liveshare-core/internal/v1/metrics"
	"github.com/schemacollab/liveshare-core/internal/v1/protocol"
	"github.com/schemacollab/liveshare-core/internal/v1/ratelimit"
	"github.com/schemacollab/liveshare-core/internal/v1/registry"
	"github.com/schemacollab/liveshare-core/internal/v1/room"
	"github.com/schemacollab/liveshare-core/internal/v1/throttle"
	"github.com/schemacollab/liveshare-core/internal/v1/types"

	"go.uber.org/zap"
)

// State is one node of the session state machine.
type State int

const (
	StateConnected State = iota
	StateAwaitingAuth
	StateJoined
	StateDisconnected
	StateRejected
)

// wsConnection is the subset of *websocket.Conn a session depends on,
// kept as an interface so tests can drive a session with a fake
// connection instead of a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// TokenValidator validates a bearer token and returns its claims. Both
// auth.Validator and auth.MockValidator satisfy this directly, the same
// way ratelimit.TokenValidator does.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Config bundles every timing knob a session needs, all with spec.md
// §6 defaults.
type Config struct {
	AuthTimeout            time.Duration
	IdleThreshold          time.Duration
	AwayThreshold          time.Duration
	CursorThrottle         time.Duration
	SchemaThrottle         time.Duration
	AwarenessBatchWindow   time.Duration
	TickInterval           time.Duration
	OutboundQueueCapacity  int
	CloseFlushDeadline     time.Duration
	ActivityCoalesceWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Second
	}
	if c.AwayThreshold <= 0 {
		c.AwayThreshold = 600 * time.Second
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = throttle.DefaultCursorInterval
	}
	if c.SchemaThrottle <= 0 {
		c.SchemaThrottle = throttle.DefaultSchemaInterval
	}
	if c.AwarenessBatchWindow <= 0 {
		c.AwarenessBatchWindow = throttle.DefaultAwarenessWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.OutboundQueueCapacity <= 0 {
		c.OutboundQueueCapacity = 256
	}
	if c.CloseFlushDeadline <= 0 {
		c.CloseFlushDeadline = 2 * time.Second
	}
	if c.ActivityCoalesceWindow <= 0 {
		c.ActivityCoalesceWindow = 5 * time.Second
	}
	return c
}

const writeWait = 10 * time.Second

var participantColors = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

func colorFor(id types.UserId) string {
	sum := 0
	for _, b := range id.String() {
		sum += int(b)
	}
	return participantColors[sum%len(participantColors)]
}

// Session is one WebSocket connection. It holds a non-owning reference
// to at most one Room, acquired on successful Auth.
type Session struct {
	conn      wsConnection
	reg       *registry.Registry
	validator TokenValidator
	clk       clock.Clock
	cfg       Config

	mu     sync.Mutex
	state  State
	userID types.UserId
	room   *room.Room

	connectedAt time.Time

	lastInputAt           time.Time
	hidden                bool
	activity              types.Activity
	lastActivityBroadcast time.Time
	pendingActivity       *types.Activity

	limiter          *ratelimit.ConnectionLimiter
	cursorThrottler  *throttle.CursorThrottler
	schemaThrottler  *throttle.SchemaThrottler
	awarenessBatcher *throttle.AwarenessBatcher

	outbound *outboundQueue

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Session around an already-upgraded connection. The
// session starts in Connected and transitions to AwaitingAuth the
// moment Serve begins reading.
func New(conn wsConnection, reg *registry.Registry, validator TokenValidator, clk clock.Clock, cfg Config) *Session {
	if clk == nil {
		clk = clock.Real
	}
	cfg = cfg.withDefaults()
	now := clk.Now()
	return &Session{
		conn:             conn,
		reg:              reg,
		validator:        validator,
		clk:              clk,
		cfg:              cfg,
		state:            StateConnected,
		connectedAt:      now,
		lastInputAt:      now,
		activity:         types.ActivityActive,
		limiter:          ratelimit.NewConnectionLimiter(clk),
		cursorThrottler:  throttle.NewCursorThrottler(cfg.CursorThrottle, clk),
		schemaThrottler:  throttle.NewSchemaThrottler(cfg.SchemaThrottle, clk),
		awarenessBatcher: throttle.NewAwarenessBatcher(cfg.AwarenessBatchWindow, clk),
		outbound:         newOutboundQueue(cfg.OutboundQueueCapacity),
		done:             make(chan struct{}),
	}
}

// Serve runs the session to completion: one inbound loop, one outbound
// loop, and one ticker, communicating only through the outbound queue
// and the done channel, per the suspension-point contract in spec.md §5.
// It blocks until the connection closes.
func (s *Session) Serve() {
	s.mu.Lock()
	s.state = StateAwaitingAuth
	s.connectedAt = s.clk.Now()
	s.mu.Unlock()

	metrics.IncConnection()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.readLoop() }()
	go func() { defer wg.Done(); s.writeLoop() }()
	go func() { defer wg.Done(); s.tickLoop() }()
	wg.Wait()
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(0)
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.close(protocol.CloseProtocolError)
			return
		}
		s.handleInbound(msg)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.outbound.Notify():
			s.flushOnce()
		case <-s.done:
			s.flushOutbound(s.cfg.CloseFlushDeadline)
			return
		}
	}
}

func (s *Session) flushOnce() {
	for _, item := range s.outbound.Drain() {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
			s.close(0)
			return
		}
	}
}

func (s *Session) flushOutbound(deadline time.Duration) {
	cutoff := time.Now().Add(deadline)
	for _, item := range s.outbound.Drain() {
		if time.Now().After(cutoff) {
			return
		}
		s.conn.SetWriteDeadline(cutoff)
		if err := s.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
			return
		}
	}
}

func (s *Session) tickLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(s.clk.Now())
		case <-s.done:
			return
		}
	}
}

// tick services timeouts and pacing; it is also exposed indirectly
// through the real ticker above but kept as its own method so tests can
// drive it directly against a fake clock without a real timer.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	state := s.state
	r := s.room
	s.mu.Unlock()

	switch state {
	case StateAwaitingAuth:
		if now.Sub(s.connectedAt) >= s.cfg.AuthTimeout {
			s.close(protocol.CloseAuthTimeout)
		}
	case StateJoined:
		select {
		case <-r.Done():
			s.enqueue(protocol.MessageRoomEnded, protocol.RoomEnded{})
			s.close(protocol.CloseRoomEnded)
			return
		default:
		}
		s.drainCursor()
		s.drainAwareness()
		s.recomputeActivity(now)
		r.MaybeSnapshot(context.Background())
	}
}

// Deliver implements broadcast.Sink: it is how a room's broadcast
// manager and Room.Broadcast hand this session's peer-originated
// messages to its outbound queue.
func (s *Session) Deliver(msgType protocol.MessageType, payload any) {
	s.enqueue(msgType, payload)
}

func (s *Session) enqueue(msgType protocol.MessageType, payload any) {
	msg, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound message", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	if !s.outbound.Enqueue(msgType, data) {
		metrics.SlowConsumerDisconnects.Inc()
		s.close(protocol.CloseSlowConsumer)
	}
}

// close is idempotent: it tears the session down exactly once,
// regardless of which of readLoop/writeLoop/tickLoop/handleInbound
// observed the fault first. code == 0 means the peer closed the socket
// first; no explicit close frame is sent in that case.
func (s *Session) close(code protocol.CloseCode) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasJoined := s.state == StateJoined
		s.state = StateDisconnected
		r := s.room
		userID := s.userID
		s.mu.Unlock()

		close(s.done)

		if wasJoined && r != nil {
			r.RemoveUser(userID)
			r.Broadcast.Broadcast(userID, protocol.MessageUserLeft, protocol.UserLeft{UserId: userID.String()})
			metrics.RoomParticipants.WithLabelValues(r.ID.String()).Set(float64(r.ParticipantCount()))
		}

		s.flushOutbound(s.cfg.CloseFlushDeadline)
		s.outbound.Close()

		if code != 0 {
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			closeMsg := websocket.FormatCloseMessage(int(code), code.String())
			s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		}
		s.conn.Close()
		metrics.DecConnection()
	})
}

func asValidationError(err error) (*room.ValidationError, bool) {
	var valErr *room.ValidationError
	if errors.As(err, &valErr) {
		return valErr, true
	}
	return nil, false
}
