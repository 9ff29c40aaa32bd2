package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSimClock_Monotonic(t *testing.T) {
	c := NewSimClock(simStart)

	c.AdvanceBy(1 * time.Hour)
	assert.Equal(t, simStart.Add(1*time.Hour), c.Now())

	// Backward targets are no-ops
	c.AdvanceTo(simStart)
	assert.Equal(t, simStart.Add(1*time.Hour), c.Now())

	c.SetTime(simStart.Add(30 * time.Minute))
	assert.Equal(t, simStart.Add(1*time.Hour), c.Now())

	c.SetTime(simStart.Add(2 * time.Hour))
	assert.Equal(t, simStart.Add(2*time.Hour), c.Now())

	// Zero and negative deltas do not move time
	assert.Nil(t, c.AdvanceBy(0))
	assert.Nil(t, c.AdvanceBy(-time.Minute))
	assert.Equal(t, simStart.Add(2*time.Hour), c.Now())
}

func TestSimClock_TimerFiresInOrder(t *testing.T) {
	c := NewSimClock(simStart)

	var observed []string
	c.SetTimer("fast", 10*time.Minute, nil, func(ev Event) {
		observed = append(observed, ev.Name)
	})
	c.SetTimer("slow", 25*time.Minute, nil, func(ev Event) {
		observed = append(observed, ev.Name)
	})

	events := c.AdvanceTo(simStart.Add(1 * time.Hour))
	require.Len(t, events, 8) // fast at 10,20,30,40,50,60; slow at 25,50

	// Events come back sorted by firing time
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].At.Before(events[i-1].At),
			"event %d fired before event %d", i, i-1)
	}

	// At t=50 both are due; fast registered first wins the tie
	assert.Equal(t, []string{"fast", "fast", "slow", "fast", "fast", "fast", "slow", "fast"}, observed)
}

func TestSimClock_TimerRescheduling(t *testing.T) {
	c := NewSimClock(simStart)
	c.SetTimer("tick", 1*time.Hour, nil, nil)

	events := c.AdvanceTo(simStart.Add(5 * time.Hour))
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, simStart.Add(time.Duration(i+1)*time.Hour), ev.At)
	}

	// Never more than floor((t1-t0)/I)+1 firings in one advance
	events = c.AdvanceTo(simStart.Add(7*time.Hour + 30*time.Minute))
	assert.LessOrEqual(t, len(events), 3)
}

func TestSimClock_AlertFiresOnce(t *testing.T) {
	c := NewSimClock(simStart)

	fireCount := 0
	at := simStart.Add(15 * time.Minute)
	c.SetAlert("expiry", at, "payload-1", func(ev Event) {
		fireCount++
		assert.Equal(t, "payload-1", ev.Payload)
		// Clock is positioned at the firing time during the callback
		assert.Equal(t, at, c.Now())
	})

	events := c.AdvanceTo(simStart.Add(1 * time.Hour))
	require.Len(t, events, 1)
	assert.Equal(t, KindAlert, events[0].Kind)
	assert.Equal(t, 1, fireCount)

	// Already fired; later advances do not repeat it
	events = c.AdvanceTo(simStart.Add(2 * time.Hour))
	assert.Empty(t, events)
}

func TestSimClock_Cancel(t *testing.T) {
	c := NewSimClock(simStart)
	c.SetTimer("tick", time.Minute, nil, nil)
	c.SetAlert("boom", simStart.Add(time.Minute), nil, nil)
	c.Cancel("tick")
	c.Cancel("boom")

	events := c.AdvanceTo(simStart.Add(1 * time.Hour))
	assert.Empty(t, events)
}

func TestSimClock_TieBreakIsRegistrationOrder(t *testing.T) {
	c := NewSimClock(simStart)
	at := simStart.Add(time.Minute)

	c.SetAlert("b-second", at, nil, nil)
	c.SetAlert("a-first", at, nil, nil)

	events := c.AdvanceTo(at.Add(time.Second))
	require.Len(t, events, 2)
	assert.Equal(t, "b-second", events[0].Name)
	assert.Equal(t, "a-first", events[1].Name)
}

func TestSimClock_NowMsAndUTC(t *testing.T) {
	c := NewSimClock(simStart)
	assert.Equal(t, simStart.UnixMilli(), c.NowMs())
	assert.Equal(t, simStart, c.UTCNow())
}

func TestRealClock_TimersFire(t *testing.T) {
	c := NewRealClock()
	c.poll = 10 * time.Millisecond
	done := make(chan Event, 1)
	c.SetTimer("beat", 20*time.Millisecond, nil, func(ev Event) {
		select {
		case done <- ev:
		default:
		}
	})
	c.Start()
	defer c.Stop()

	select {
	case ev := <-done:
		assert.Equal(t, "beat", ev.Name)
		assert.Equal(t, KindTimer, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}
