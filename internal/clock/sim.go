package clock

import (
	"container/heap"
	"sync"
	"time"
)

// SimClock is a deterministic virtual-time clock. Time moves only through
// AdvanceTo, AdvanceBy or SetTime; no wall-clock read occurs for time
// semantics. A SimClock has a single owner for the duration of a replay.
type SimClock struct {
	mu      sync.Mutex
	current time.Time
	timers  map[string]*timerEntry
	alerts  map[string]*alertEntry
	seq     uint64
}

// NewSimClock creates a simulation clock positioned at start.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{
		current: start,
		timers:  make(map[string]*timerEntry),
		alerts:  make(map[string]*alertEntry),
	}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SimClock) NowMs() int64 { return c.Now().UnixMilli() }

func (c *SimClock) UTCNow() time.Time { return c.Now().UTC() }

// SetTime moves the clock directly to t. Backward moves are ignored so that
// Now never decreases.
func (c *SimClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.current) {
		c.current = t
	}
}

// SetTimer registers a recurring timer; the first firing is one interval
// after the current virtual time.
func (c *SimClock) SetTimer(name string, interval time.Duration, payload interface{}, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.timers[name] = &timerEntry{
		name:     name,
		interval: interval,
		next:     c.current.Add(interval),
		payload:  payload,
		cb:       cb,
		seq:      c.seq,
	}
}

// SetAlert registers a one-shot alert at the given virtual time.
func (c *SimClock) SetAlert(name string, at time.Time, payload interface{}, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.alerts[name] = &alertEntry{name: name, at: at, payload: payload, cb: cb, seq: c.seq}
}

// Cancel removes the named timer or alert.
func (c *SimClock) Cancel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, name)
	delete(c.alerts, name)
}

// AdvanceBy moves the clock forward by d, firing all due events in order.
func (c *SimClock) AdvanceBy(d time.Duration) []Event {
	if d <= 0 {
		return nil
	}
	return c.AdvanceTo(c.Now().Add(d))
}

// firing is a pending event in the advance heap, ordered by timestamp with
// FIFO tie-break on registration sequence.
type firing struct {
	at      time.Time
	seq     uint64
	ev      Event
	cb      Callback
	timer   *timerEntry // non-nil for timers, used for rescheduling
	isAlert bool
	name    string
}

type firingHeap []*firing

func (h firingHeap) Len() int { return len(h) }
func (h firingHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h firingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *firingHeap) Push(x interface{}) { *h = append(*h, x.(*firing)) }
func (h *firingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return f
}

// AdvanceTo moves the clock to t, firing every due timer and alert in
// timestamp order (ties broken by registration order). Callbacks run
// synchronously with the clock positioned at the firing time. Returns the
// ordered list of events that fired. A target at or before the current time
// is a no-op.
func (c *SimClock) AdvanceTo(t time.Time) []Event {
	c.mu.Lock()
	if !t.After(c.current) {
		c.mu.Unlock()
		return nil
	}

	h := &firingHeap{}
	heap.Init(h)
	for _, tm := range c.timers {
		if !tm.next.After(t) {
			heap.Push(h, &firing{
				at:    tm.next,
				seq:   tm.seq,
				ev:    Event{Name: tm.name, Kind: KindTimer, At: tm.next, Payload: tm.payload},
				cb:    tm.cb,
				timer: tm,
			})
		}
	}
	for _, a := range c.alerts {
		if !a.at.After(t) {
			heap.Push(h, &firing{
				at:      a.at,
				seq:     a.seq,
				ev:      Event{Name: a.name, Kind: KindAlert, At: a.at, Payload: a.payload},
				cb:      a.cb,
				isAlert: true,
				name:    a.name,
			})
		}
	}

	var fired []Event
	for h.Len() > 0 {
		f := heap.Pop(h).(*firing)
		if f.at.After(c.current) {
			c.current = f.at
		}
		if f.isAlert {
			delete(c.alerts, f.name)
		} else {
			f.timer.next = f.timer.next.Add(f.timer.interval)
			if !f.timer.next.After(t) {
				heap.Push(h, &firing{
					at:    f.timer.next,
					seq:   f.timer.seq,
					ev:    Event{Name: f.timer.name, Kind: KindTimer, At: f.timer.next, Payload: f.timer.payload},
					cb:    f.timer.cb,
					timer: f.timer,
				})
			}
		}
		fired = append(fired, f.ev)
		if f.cb != nil {
			// Release the lock while the callback runs so callbacks can read
			// the clock or schedule further events.
			c.mu.Unlock()
			f.cb(f.ev)
			c.mu.Lock()
		}
	}

	c.current = t
	c.mu.Unlock()
	return fired
}
