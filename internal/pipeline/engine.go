package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/breaker"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/metrics"
)

// ExecuteBreaker is the breaker name guarding the side-effecting execute
// node. Consecutive-cycle failures and critical gate findings open it.
const ExecuteBreaker = "execute"

// Terminal step tags set by the engine itself.
const (
	StepSkippedBreaker       = "SKIPPED_CIRCUIT_BREAKER"
	StepSkippedEmergencyHalt = "SKIPPED_EMERGENCY_HALT"
)

// StepFunc computes a node's partial update from the current state.
type StepFunc[P Mergeable[P]] func(ctx context.Context, s State[P]) (Partial[P], error)

// Step is one node of the cycle. Critical steps carry no fallback; when
// their breaker is open the cycle ends with a SKIPPED_* tag. Non-critical
// steps degrade through Fallback.
type Step[P Mergeable[P]] struct {
	Name     string
	Critical bool
	Run      StepFunc[P]
	Fallback func(s State[P]) Partial[P]
}

// Options tune the engine.
type Options struct {
	MaxConsecutiveErrors int
	CycleInterval        time.Duration
	EmergencyHaltOnStart bool
}

// DefaultOptions returns the standard engine tuning.
func DefaultOptions() Options {
	return Options{
		MaxConsecutiveErrors: 5,
		CycleInterval:        time.Minute,
	}
}

// LifecycleFunc receives engine lifecycle events (started, stopped, paused,
// resumed, breaker-open, breaker-closed). Best-effort; must not block.
type LifecycleFunc func(event, name string)

// Engine drives the node sequence, one cycle at a time.
type Engine[P Mergeable[P]] struct {
	steps    []Step[P]
	breakers *breaker.Registry
	clk      clock.Clock
	log      zerolog.Logger
	opts     Options
	onEvent  LifecycleFunc

	mu          sync.Mutex
	cycleNumber int
	consecutive int
	halted      bool
}

// NewEngine builds an engine over the given node sequence. The breaker
// registry is shared with the caller so the gate can open ExecuteBreaker.
func NewEngine[P Mergeable[P]](steps []Step[P], reg *breaker.Registry, clk clock.Clock, log zerolog.Logger, opts Options) (*Engine[P], error) {
	if len(steps) == 0 {
		return nil, errors.New("pipeline: no steps configured")
	}
	seen := make(map[string]bool, len(steps))
	for _, st := range steps {
		if st.Name == "" || st.Run == nil {
			return nil, errors.New("pipeline: step needs a name and a run function")
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("pipeline: duplicate step %q", st.Name)
		}
		seen[st.Name] = true
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultOptions().MaxConsecutiveErrors
	}
	reg.SetConfig(ExecuteBreaker, breaker.DefaultExecuteConfig)

	e := &Engine[P]{
		steps:    steps,
		breakers: reg,
		clk:      clk,
		log:      log.With().Str("component", "pipeline").Logger(),
		opts:     opts,
		halted:   opts.EmergencyHaltOnStart,
	}
	reg.OnStateChange(func(name string, open bool) {
		ev := "breaker-closed"
		if open {
			ev = "breaker-open"
		}
		e.emit(ev, name)
	})
	return e, nil
}

// OnLifecycle registers a listener for engine lifecycle events.
func (e *Engine[P]) OnLifecycle(fn LifecycleFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

func (e *Engine[P]) emit(event, name string) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(event, name)
	}
}

// SetEmergencyHalt flips the halt flag checked before every critical step.
func (e *Engine[P]) SetEmergencyHalt(on bool) {
	e.mu.Lock()
	e.halted = on
	e.mu.Unlock()
	if on {
		e.breakers.Open(ExecuteBreaker)
	}
}

// EmergencyHalted reports the halt flag.
func (e *Engine[P]) EmergencyHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// ConsecutiveErrors reports the failed-cycle run length.
func (e *Engine[P]) ConsecutiveErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutive
}

// RunCycle drives one full cycle from a fresh state and returns the final
// record. Node failures never propagate; they land in the state's error list
// and in the node's breaker.
func (e *Engine[P]) RunCycle(ctx context.Context, payload P) (State[P], error) {
	e.mu.Lock()
	e.cycleNumber++
	n := e.cycleNumber
	e.mu.Unlock()

	state := NewState(n, e.clk.UTCNow(), payload)
	executeOK := false

	for _, st := range e.steps {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		if st.Critical && e.EmergencyHalted() {
			state.Step = StepSkippedEmergencyHalt
			break
		}

		partial, err := breaker.Execute(e.breakers, st.Name, func() (Partial[P], error) {
			return e.runStep(ctx, st, state)
		}, nil)

		switch {
		case errors.Is(err, breaker.ErrOpen):
			if st.Fallback == nil {
				state.Step = StepSkippedBreaker
				e.log.Warn().Str("cycle_id", state.CycleID).Str("step", st.Name).Msg("Breaker open, cycle skipped")
				e.finishCycle(&state, executeOK)
				return state, nil
			}
			fb := st.Fallback(state)
			if fb.Step == "" {
				fb.Step = st.Name
			}
			fb.AddWarning(e.clk.UTCNow(), fmt.Sprintf("step %s degraded: breaker open", st.Name))
			state = Apply(state, fb)
		case err != nil:
			var p Partial[P]
			p.Step = st.Name + "_FAILED"
			p.AddError(e.clk.UTCNow(), fmt.Sprintf("step %s: %v", st.Name, err))
			state = Apply(state, p)
			if st.Critical {
				e.finishCycle(&state, executeOK)
				return state, nil
			}
		default:
			if st.Name == ExecuteBreaker {
				executeOK = true
			}
			if partial.Step == "" {
				partial.Step = st.Name
			}
			done := partial.Done
			state = Apply(state, partial)
			if done {
				e.finishCycle(&state, executeOK)
				return state, nil
			}
		}
	}

	e.finishCycle(&state, executeOK)
	return state, nil
}

// runStep converts a node panic into an error so the breaker observes it.
func (e *Engine[P]) runStep(ctx context.Context, st Step[P], s State[P]) (p Partial[P], err error) {
	defer func() {
		if r := recover(); r != nil {
			p = Partial[P]{}
			err = fmt.Errorf("step %s panicked: %v", st.Name, r)
		}
	}()
	return st.Run(ctx, s)
}

// finishCycle updates the failed-cycle counter and emits the summary line.
// A successful execute resets the run; a cycle with errors or a skip extends
// it; a clean cycle that never reached execute leaves it unchanged.
func (e *Engine[P]) finishCycle(s *State[P], executeOK bool) {
	failed := len(s.Errors) > 0 || s.Step == StepSkippedBreaker || s.Step == StepSkippedEmergencyHalt

	e.mu.Lock()
	switch {
	case executeOK:
		e.consecutive = 0
	case failed:
		e.consecutive++
	}
	trip := e.consecutive >= e.opts.MaxConsecutiveErrors
	consecutive := e.consecutive
	e.mu.Unlock()

	if trip && !e.breakers.IsOpen(ExecuteBreaker) {
		e.log.Error().Int("consecutive_errors", consecutive).Msg("Too many failed cycles, opening execute breaker")
		e.breakers.Open(ExecuteBreaker)
	}

	metrics.RecordCycle(s.Step, e.clk.UTCNow().Sub(s.StartedAt).Seconds(), consecutive)

	e.log.Info().
		Str("cycle_id", s.CycleID).
		Int("cycle", s.CycleNumber).
		Str("final_step", s.Step).
		Int("thoughts", len(s.Thoughts)).
		Int("errors", len(s.Errors)).
		Int("warnings", len(s.Warnings)).
		Msg("Cycle complete")
}

// Run drives cycles at the configured interval until the context ends.
// newPayload supplies the fresh payload for each cycle.
func (e *Engine[P]) Run(ctx context.Context, newPayload func() P) error {
	e.emit("started", "")
	defer e.emit("stopped", "")

	ticker := time.NewTicker(e.opts.CycleInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx, newPayload()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
