// Package pipeline drives a fixed sequence of nodes over a per-cycle state
// record. Nodes never mutate state; each returns a partial update the engine
// folds in, with every node guarded by a named circuit breaker.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Mergeable is the constraint on cycle payloads. Merge folds a partial
// payload into the receiver and returns the result; mapping fields merge by
// union with the partial winning on conflict, scalar fields replace when the
// partial's value is defined.
type Mergeable[P any] interface {
	Merge(partial P) P
}

// State is the per-cycle record. It is owned by one engine invocation and
// only ever transformed through Apply.
type State[P Mergeable[P]] struct {
	CycleID     string    `json:"cycle_id"`
	CycleNumber int       `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	Step        string    `json:"step"`
	Thoughts    []string  `json:"thoughts"`
	Errors      []string  `json:"errors"`
	Warnings    []string  `json:"warnings"`
	Payload     P         `json:"payload"`
}

// NewState creates the initial record for one cycle.
func NewState[P Mergeable[P]](cycleNumber int, now time.Time, payload P) State[P] {
	return State[P]{
		CycleID:     uuid.NewString(),
		CycleNumber: cycleNumber,
		StartedAt:   now,
		Payload:     payload,
	}
}

// Partial is a node's update to the cycle state. Thoughts, errors and
// warnings are appended; Step replaces when non-empty; Payload, when set, is
// merged into the current payload. Done ends the cycle after this update.
type Partial[P Mergeable[P]] struct {
	Step     string
	Thoughts []string
	Errors   []string
	Warnings []string
	Payload  *P
	Done     bool
}

func stamp(now time.Time, msg string) string {
	return now.UTC().Format(time.RFC3339) + " " + msg
}

// AddThought appends a timestamped thought to the partial.
func (p *Partial[P]) AddThought(now time.Time, msg string) {
	p.Thoughts = append(p.Thoughts, stamp(now, msg))
}

// AddError appends a timestamped error to the partial.
func (p *Partial[P]) AddError(now time.Time, msg string) {
	p.Errors = append(p.Errors, stamp(now, msg))
}

// AddWarning appends a timestamped warning to the partial.
func (p *Partial[P]) AddWarning(now time.Time, msg string) {
	p.Warnings = append(p.Warnings, stamp(now, msg))
}

// Apply folds a partial into the state and returns the new record. The input
// state is never modified; list fields are copied before appending.
func Apply[P Mergeable[P]](s State[P], p Partial[P]) State[P] {
	next := s
	if p.Step != "" {
		next.Step = p.Step
	}
	next.Thoughts = appendCopy(s.Thoughts, p.Thoughts)
	next.Errors = appendCopy(s.Errors, p.Errors)
	next.Warnings = appendCopy(s.Warnings, p.Warnings)
	if p.Payload != nil {
		next.Payload = s.Payload.Merge(*p.Payload)
	}
	return next
}

func appendCopy(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return out
}
