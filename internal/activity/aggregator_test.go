package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/taskdeck/internal/clock"
)

func newTestAggregator(t *testing.T) (*Aggregator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	agg := NewAggregator(Config{HoldWindow: 800 * time.Millisecond, ClearWindow: 2 * time.Second}, clk, nil)
	t.Cleanup(agg.Close)
	return agg, clk
}

type recorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *recorder) listen(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, busy)
}

func (r *recorder) got() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestSetBusyRecordsStartOnlyOnTransition(t *testing.T) {
	agg, clk := newTestAggregator(t)
	start := clk.Now()

	agg.SetBusy("t1")
	clk.Advance(500 * time.Millisecond)
	agg.SetBusy("t1")

	st := agg.State("t1")
	assert.True(t, st.Busy)
	assert.Equal(t, start, st.Since)
}

func TestNotBusyHeldForHoldWindow(t *testing.T) {
	agg, clk := newTestAggregator(t)

	agg.SetBusy("t1")
	clk.Advance(300 * time.Millisecond)
	agg.SetNotBusy("t1")
	assert.True(t, agg.IsBusy("t1"), "must stay busy inside the hold window")

	clk.Advance(499 * time.Millisecond)
	assert.True(t, agg.IsBusy("t1"))

	clk.Advance(time.Millisecond)
	assert.False(t, agg.IsBusy("t1"))
	assert.True(t, agg.State("t1").Since.IsZero())
}

func TestHoldMeasuredFromLastBusySignal(t *testing.T) {
	agg, clk := newTestAggregator(t)

	agg.SetBusy("t1")
	clk.Advance(1500 * time.Millisecond)
	agg.SetBusy("t1")
	clk.Advance(100 * time.Millisecond)
	agg.SetNotBusy("t1")

	assert.True(t, agg.IsBusy("t1"))
	clk.Advance(700 * time.Millisecond)
	assert.False(t, agg.IsBusy("t1"))
}

func TestNotBusyAfterHoldClearsImmediately(t *testing.T) {
	agg, clk := newTestAggregator(t)

	agg.SetBusy("t1")
	clk.Advance(time.Second)
	agg.SetNotBusy("t1")
	assert.False(t, agg.IsBusy("t1"))
	assert.Equal(t, 0, agg.PendingTimers())
}

func TestBusyDuringHoldCancelsPendingClear(t *testing.T) {
	agg, clk := newTestAggregator(t)
	rec := &recorder{}
	agg.Subscribe("t1", rec.listen)

	agg.SetBusy("t1")
	clk.Advance(200 * time.Millisecond)
	agg.SetNotBusy("t1")
	clk.Advance(200 * time.Millisecond)
	agg.SetBusy("t1")
	clk.Advance(700 * time.Millisecond)

	assert.True(t, agg.IsBusy("t1"))
	assert.Equal(t, []bool{false, true}, rec.got(), "no flicker between busy signals")
}

func TestClearWindowForcesNotBusy(t *testing.T) {
	agg, clk := newTestAggregator(t)
	rec := &recorder{}
	agg.Subscribe("t1", rec.listen)

	agg.SetBusy("t1")
	clk.Advance(1999 * time.Millisecond)
	assert.True(t, agg.IsBusy("t1"))
	clk.Advance(time.Millisecond)
	assert.False(t, agg.IsBusy("t1"))
	assert.Equal(t, []bool{false, true, false}, rec.got())
}

func TestClearWindowRearmedByBusy(t *testing.T) {
	agg, clk := newTestAggregator(t)

	agg.SetBusy("t1")
	for range 5 {
		clk.Advance(1500 * time.Millisecond)
		agg.SetBusy("t1")
	}
	assert.True(t, agg.IsBusy("t1"))
	clk.Advance(2 * time.Second)
	assert.False(t, agg.IsBusy("t1"))
}

func TestSubscribeReceivesCurrentStateImmediately(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.SetBusy("t1")

	rec := &recorder{}
	agg.Subscribe("t1", rec.listen)
	assert.Equal(t, []bool{true}, rec.got())

	idle := &recorder{}
	agg.Subscribe("unknown", idle.listen)
	assert.Equal(t, []bool{false}, idle.got())
}

func TestUnsubscribeKeepsTimers(t *testing.T) {
	agg, clk := newTestAggregator(t)
	rec := &recorder{}
	id := agg.Subscribe("t1", rec.listen)

	agg.SetBusy("t1")
	agg.Unsubscribe(id)
	assert.Equal(t, 0, agg.Subscribers("t1"))

	clk.Advance(2 * time.Second)
	assert.False(t, agg.IsBusy("t1"), "clear timer still fires without listeners")
	assert.Equal(t, []bool{false, true}, rec.got())
}

func TestListenerPanicIsolated(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.Subscribe("t1", func(busy bool) {
		if busy {
			panic("boom")
		}
	})
	rec := &recorder{}
	agg.Subscribe("t1", rec.listen)

	require.NotPanics(t, func() { agg.SetBusy("t1") })
	assert.Equal(t, []bool{false, true}, rec.got())
}

func TestListenerMayCallBack(t *testing.T) {
	agg, _ := newTestAggregator(t)
	var seen []bool
	agg.Subscribe("t1", func(bool) { seen = append(seen, agg.IsBusy("t1")) })
	agg.SetBusy("t1")
	assert.Equal(t, []bool{false, true}, seen)
}

func TestObserveRoutesVerdicts(t *testing.T) {
	agg, clk := newTestAggregator(t)

	assert.Equal(t, Busy, agg.Observe("t1", "claude", "esc to interrupt"))
	assert.True(t, agg.IsBusy("t1"))
	assert.Equal(t, Neutral, agg.Observe("t1", "claude", "some output"))
	clk.Advance(time.Second)
	assert.True(t, agg.IsBusy("t1"))
	assert.Equal(t, Idle, agg.Observe("t1", "claude", "? for shortcuts"))
	assert.False(t, agg.IsBusy("t1"))
}

func TestRemoveTaskLeavesNoTimers(t *testing.T) {
	agg, clk := newTestAggregator(t)
	rec := &recorder{}
	agg.Subscribe("t1", rec.listen)

	agg.SetBusy("t1")
	agg.SetNotBusy("t1")
	require.Equal(t, 2, agg.PendingTimers())

	agg.RemoveTask("t1")
	assert.Equal(t, 0, agg.PendingTimers())
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(5 * time.Second)
	assert.Equal(t, []bool{false, true}, rec.got())
	assert.False(t, agg.IsBusy("t1"))
}

func TestAttachStreamRejectsDuplicate(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	chunks := make(chan Chunk)
	require.True(t, agg.AttachStream(ctx, "t1", chunks))
	assert.False(t, agg.AttachStream(ctx, "t1", make(chan Chunk)))

	chunks <- Chunk{SessionID: "claude-main-t1", Kind: "claude", Data: "ctrl+c to interrupt"}
	assert.Eventually(t, func() bool { return agg.IsBusy("t1") }, time.Second, 5*time.Millisecond)

	close(chunks)
	assert.Eventually(t, func() bool { return !agg.Attached("t1") }, time.Second, 5*time.Millisecond)
	assert.True(t, agg.AttachStream(ctx, "t1", make(chan Chunk)))
	agg.DetachStream("t1")
	assert.False(t, agg.Attached("t1"))
}
