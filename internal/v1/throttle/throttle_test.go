package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/schemacollab/liveshare-core/internal/v1/clock"
	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

func TestCursorThrottlerFirstSendPassesImmediately(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ct := NewCursorThrottler(33*time.Millisecond, clk)

	pos, ok := ct.Update(types.Position{X: 1, Y: 1})
	assert.True(t, ok)
	assert.Equal(t, types.Position{X: 1, Y: 1}, pos)
}

func TestCursorThrottlerCoalescesWithinInterval(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ct := NewCursorThrottler(33*time.Millisecond, clk)
	ct.Update(types.Position{X: 1, Y: 1})

	clk.Advance(10 * time.Millisecond)
	_, ok := ct.Update(types.Position{X: 2, Y: 2})
	assert.False(t, ok)

	_, ok = ct.DrainPending()
	assert.False(t, ok, "interval has not elapsed yet")

	clk.Advance(25 * time.Millisecond)
	pos, ok := ct.DrainPending()
	assert.True(t, ok)
	assert.Equal(t, types.Position{X: 2, Y: 2}, pos, "only the latest coalesced position is flushed")
}

func TestSchemaThrottlerDropsWithinInterval(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	st := NewSchemaThrottler(150*time.Millisecond, clk)

	assert.True(t, st.ShouldSend())
	st.MarkSent()

	clk.Advance(50 * time.Millisecond)
	assert.False(t, st.ShouldSend())

	clk.Advance(150 * time.Millisecond)
	assert.True(t, st.ShouldSend())
}

func TestSchemaThrottlerClampsIntervalToBounds(t *testing.T) {
	st := NewSchemaThrottler(10*time.Millisecond, clock.Real)
	assert.Equal(t, MinSchemaInterval, st.interval)

	st = NewSchemaThrottler(time.Second, clock.Real)
	assert.Equal(t, MaxSchemaInterval, st.interval)
}

func TestAwarenessBatcherEmitsLatestValuePerKey(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ab := NewAwarenessBatcher(100*time.Millisecond, clk)

	ab.Add(types.AwarenessBlob{"cursor": "a"})
	clk.Advance(20 * time.Millisecond)
	ab.Add(types.AwarenessBlob{"cursor": "b", "selection": "row-1"})

	_, ok := ab.DrainPending()
	assert.False(t, ok, "window has not elapsed")

	clk.Advance(90 * time.Millisecond)
	batch, ok := ab.DrainPending()
	assert.True(t, ok)
	assert.Equal(t, types.AwarenessBlob{"cursor": "b", "selection": "row-1"}, batch)
}
