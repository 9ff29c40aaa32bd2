// Package clock provides the virtual-time clock used by the backtest engine
// and a wall-clock implementation for live operation.
package clock

import (
	"sync"
	"time"
)

// EventKind distinguishes recurring timers from one-shot alerts.
type EventKind string

const (
	KindTimer EventKind = "timer"
	KindAlert EventKind = "alert"
)

// Event is a scheduled-task record delivered when a timer or alert fires.
// The payload is opaque to the clock; the consumer decides how to react.
type Event struct {
	Name    string      `json:"name"`
	Kind    EventKind   `json:"kind"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// Callback is invoked synchronously when a scheduled event fires.
type Callback func(Event)

// Clock is the shared contract between the real-time and simulation clocks.
type Clock interface {
	Now() time.Time
	NowMs() int64
	UTCNow() time.Time
	SetTimer(name string, interval time.Duration, payload interface{}, cb Callback)
	SetAlert(name string, at time.Time, payload interface{}, cb Callback)
	Cancel(name string)
}

type timerEntry struct {
	name     string
	interval time.Duration
	next     time.Time
	payload  interface{}
	cb       Callback
	seq      uint64
}

type alertEntry struct {
	name    string
	at      time.Time
	payload interface{}
	cb      Callback
	seq     uint64
}

// RealClock reads system time and fires scheduled events from a polling loop.
type RealClock struct {
	mu       sync.Mutex
	timers   map[string]*timerEntry
	alerts   map[string]*alertEntry
	seq      uint64
	poll     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRealClock creates a wall-clock. Start must be called for timers and
// alerts to fire; Now/NowMs/UTCNow work regardless.
func NewRealClock() *RealClock {
	return &RealClock{
		timers: make(map[string]*timerEntry),
		alerts: make(map[string]*alertEntry),
		poll:   100 * time.Millisecond,
		stopCh: make(chan struct{}),
	}
}

func (c *RealClock) Now() time.Time    { return time.Now() }
func (c *RealClock) NowMs() int64      { return time.Now().UnixMilli() }
func (c *RealClock) UTCNow() time.Time { return time.Now().UTC() }

// SetTimer registers a recurring timer. The first firing is one interval out.
func (c *RealClock) SetTimer(name string, interval time.Duration, payload interface{}, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.timers[name] = &timerEntry{
		name:     name,
		interval: interval,
		next:     time.Now().Add(interval),
		payload:  payload,
		cb:       cb,
		seq:      c.seq,
	}
}

// SetAlert registers a one-shot alert at the given time.
func (c *RealClock) SetAlert(name string, at time.Time, payload interface{}, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.alerts[name] = &alertEntry{name: name, at: at, payload: payload, cb: cb, seq: c.seq}
}

// Cancel removes the named timer or alert.
func (c *RealClock) Cancel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, name)
	delete(c.alerts, name)
}

// Start launches the polling loop.
func (c *RealClock) Start() {
	go func() {
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case now := <-ticker.C:
				c.fireDue(now)
			}
		}
	}()
}

// Stop halts the polling loop. Idempotent.
func (c *RealClock) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *RealClock) fireDue(now time.Time) {
	c.mu.Lock()
	var fired []Event
	var cbs []Callback
	for _, t := range c.timers {
		for !t.next.After(now) {
			fired = append(fired, Event{Name: t.name, Kind: KindTimer, At: t.next, Payload: t.payload})
			cbs = append(cbs, t.cb)
			t.next = t.next.Add(t.interval)
		}
	}
	for name, a := range c.alerts {
		if !a.at.After(now) {
			fired = append(fired, Event{Name: a.name, Kind: KindAlert, At: a.at, Payload: a.payload})
			cbs = append(cbs, a.cb)
			delete(c.alerts, name)
		}
	}
	c.mu.Unlock()

	for i, ev := range fired {
		if cbs[i] != nil {
			cbs[i](ev)
		}
	}
}
