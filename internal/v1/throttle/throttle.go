// Package throttle implements the three per-session pacing primitives:
// CursorThrottler (coalescing), SchemaThrottler (pure drop) and
// AwarenessBatcher (windowed batch). CursorThrottler and AwarenessBatcher
// hold back input and release it through DrainPending, called from the
// owning session's periodic tick; SchemaThrottler exposes ShouldSend /
// MarkSent and holds nothing back.
package throttle

import (
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

const (
	DefaultCursorInterval   = 33 * time.Millisecond
	DefaultSchemaInterval   = 150 * time.Millisecond
	MinSchemaInterval       = 100 * time.Millisecond
	MaxSchemaInterval       = 300 * time.Millisecond
	DefaultAwarenessWindow  = 100 * time.Millisecond
)

// CursorThrottler coalesces a single user's cursor samples: the first
// update in a quiet period passes immediately, later samples within the
// interval are coalesced down to the latest position and flushed by
// DrainPending once the interval elapses.
type CursorThrottler struct {
	interval   time.Duration
	clk        clock.Clock
	lastSent   time.Time
	hasSent    bool
	pending    types.Position
	hasPending bool
}

func NewCursorThrottler(interval time.Duration, clk clock.Clock) *CursorThrottler {
	if clk == nil {
		clk = clock.Real
	}
	return &CursorThrottler{interval: interval, clk: clk}
}

// Update records a new sample. It returns the position to send and true
// if it may be sent immediately; otherwise the sample is coalesced and
// will surface later from DrainPending.
func (c *CursorThrottler) Update(pos types.Position) (types.Position, bool) {
	now := c.clk.Now()
	if !c.hasSent || now.Sub(c.lastSent) >= c.interval {
		c.lastSent = now
		c.hasSent = true
		c.hasPending = false
		return pos, true
	}
	c.pending = pos
	c.hasPending = true
	return types.Position{}, false
}

// DrainPending is called from the periodic tick; it flushes a coalesced
// sample once the interval has elapsed since the last send.
func (c *CursorThrottler) DrainPending() (types.Position, bool) {
	if !c.hasPending {
		return types.Position{}, false
	}
	now := c.clk.Now()
	if now.Sub(c.lastSent) < c.interval {
		return types.Position{}, false
	}
	pos := c.pending
	c.lastSent = now
	c.hasPending = false
	return pos, true
}

// SchemaThrottler drops schema mutation broadcasts whose inter-arrival is
// shorter than the configured interval. Dropping here is safe: subsequent
// GraphOps and the periodic full-sync re-establish convergence, so unlike
// the cursor throttler there is nothing to coalesce or flush later.
type SchemaThrottler struct {
	interval time.Duration
	clk      clock.Clock
	lastSent time.Time
	hasSent  bool
}

func NewSchemaThrottler(interval time.Duration, clk clock.Clock) *SchemaThrottler {
	if interval < MinSchemaInterval {
		interval = MinSchemaInterval
	}
	if interval > MaxSchemaInterval {
		interval = MaxSchemaInterval
	}
	if clk == nil {
		clk = clock.Real
	}
	return &SchemaThrottler{interval: interval, clk: clk}
}

// ShouldSend reports whether a broadcast may go out now, without
// consuming the interval; call MarkSent after actually sending.
func (s *SchemaThrottler) ShouldSend() bool {
	return !s.hasSent || s.clk.Now().Sub(s.lastSent) >= s.interval
}

func (s *SchemaThrottler) MarkSent() {
	s.lastSent = s.clk.Now()
	s.hasSent = true
}

// AwarenessBatcher accumulates per-key awareness updates (cursor,
// selection, viewport hints, ...) during a 100ms window and, on tick,
// emits the latest value per key as a single batch.
type AwarenessBatcher struct {
	window      time.Duration
	clk         clock.Clock
	windowStart time.Time
	hasPending  bool
	pending     types.AwarenessBlob
}

func NewAwarenessBatcher(window time.Duration, clk clock.Clock) *AwarenessBatcher {
	if clk == nil {
		clk = clock.Real
	}
	return &AwarenessBatcher{window: window, clk: clk, pending: types.AwarenessBlob{}}
}

// Add merges new key/value pairs into the pending batch, starting a new
// window if none is open.
func (a *AwarenessBatcher) Add(blob types.AwarenessBlob) {
	if !a.hasPending {
		a.windowStart = a.clk.Now()
		a.hasPending = true
	}
	for k, v := range blob {
		a.pending[k] = v
	}
}

// DrainPending flushes the accumulated batch once the window has
// elapsed since the first Add.
func (a *AwarenessBatcher) DrainPending() (types.AwarenessBlob, bool) {
	if !a.hasPending {
		return nil, false
	}
	if a.clk.Now().Sub(a.windowStart) < a.window {
		return nil, false
	}
	out := a.pending
	a.pending = types.AwarenessBlob{}
	a.hasPending = false
	return out, true
}
