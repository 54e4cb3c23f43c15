// Package pintable implements the per-pin line-state table and pending-
// request tracking from spec.md §4.4. It is pure data plus bookkeeping:
// access is confined to the protocol engine's single goroutine, so no
// locking is required (spec.md §4.7).
package pintable

import (
	"time"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// LineState is one pin's last-known direction, driven value, and
// configuration (spec.md §3).
type LineState struct {
	Direction wire.Direction
	Value     uint8 // meaningful only while Direction == DirectionOut
	Config    wire.Config
}

// Pending describes the single in-flight request a pin may carry. Value,
// Config and Direction cache the requested write so the engine can apply
// it to the line state once the firmware ack arrives — the firmware's
// reply carries only a status (and, for GET, a value), never an echo of
// what was asked for (spec.md §6.2).
type Pending struct {
	Kind      wire.Command
	Start     time.Time
	Deadline  time.Time
	Value     uint8
	Config    wire.Config
	Direction wire.Direction
}

// Table holds N lines' state plus at most one pending request per pin
// (spec.md invariant 3).
type Table struct {
	lines   []LineState
	pending map[uint32]*Pending
}

// New creates a Table for N lines, all initially IN (spec.md §3:
// "direction ∈ {IN, OUT, DISABLED} (initial: IN)").
func New(n int) *Table {
	lines := make([]LineState, n)
	for i := range lines {
		lines[i].Direction = wire.DirectionIn
		lines[i].Config = wire.ConfigBiasDisable
	}
	return &Table{lines: lines, pending: make(map[uint32]*Pending)}
}

// N returns the number of lines.
func (t *Table) N() int { return len(t.lines) }

// ValidPin reports whether pin is within range.
func (t *Table) ValidPin(pin uint32) bool {
	return pin < uint32(len(t.lines))
}

// Snapshot returns a copy of a pin's current line state.
func (t *Table) Snapshot(pin uint32) (LineState, error) {
	if !t.ValidPin(pin) {
		return LineState{}, errcode.New("snapshot", errcode.ProtocolError, "unknown pin", nil)
	}
	return t.lines[pin], nil
}

// Begin records a new pending request for pin with the given deadline.
// It returns errcode.Busy if a request is already pending for that pin,
// and errcode.ProtocolError if pin is out of range (spec.md §4.5:
// "Commands for an unknown pin index reply protocol-error").
func (t *Table) Begin(pin uint32, kind wire.Command, deadline time.Time) error {
	if !t.ValidPin(pin) {
		return errcode.New("begin", errcode.ProtocolError, "unknown pin", nil)
	}
	if _, busy := t.pending[pin]; busy {
		return errcode.New("begin", errcode.Busy, "request already pending for pin", nil)
	}
	t.pending[pin] = &Pending{Kind: kind, Start: time.Now(), Deadline: deadline}
	return nil
}

// Pending returns the pin's in-flight request, if any.
func (t *Table) Pending(pin uint32) (*Pending, bool) {
	p, ok := t.pending[pin]
	return p, ok
}

// IsPending reports whether pin currently has an outstanding request.
func (t *Table) IsPending(pin uint32) bool {
	_, ok := t.pending[pin]
	return ok
}

// Clear removes the pending slot for pin, making it available again.
func (t *Table) Clear(pin uint32) {
	delete(t.pending, pin)
}

// SetValue records a successfully-applied driven value (spec.md §3: "last
// driven value ... only meaningful while OUT").
func (t *Table) SetValue(pin uint32, v uint8) {
	if t.ValidPin(pin) {
		t.lines[pin].Value = v
	}
}

// SetDirection records a successfully-applied direction change.
func (t *Table) SetDirection(pin uint32, d wire.Direction) {
	if t.ValidPin(pin) {
		t.lines[pin].Direction = d
	}
}

// SetConfig records a successfully-applied configuration change.
func (t *Table) SetConfig(pin uint32, c wire.Config) {
	if t.ValidPin(pin) {
		t.lines[pin].Config = c
	}
}

// NextDeadline returns the earliest deadline among all pending requests,
// and false if there are none. The event loop rearms its single timer to
// this value after every table mutation (spec.md §4.7: "a monotonic timer
// wheel for deadlines"), the same "recompute the minimum, reset one
// timer" shape as the teacher's measureWorker.minDue.
func (t *Table) NextDeadline() (time.Time, bool) {
	var min time.Time
	for _, p := range t.pending {
		if min.IsZero() || p.Deadline.Before(min) {
			min = p.Deadline
		}
	}
	return min, !min.IsZero()
}

// DueAt returns the pins whose pending deadline is at or before now,
// without clearing them — the caller (the protocol engine) is
// responsible for replying before calling Clear.
func (t *Table) DueAt(now time.Time) []uint32 {
	var due []uint32
	for pin, p := range t.pending {
		if !p.Deadline.After(now) {
			due = append(due, pin)
		}
	}
	return due
}

// PendingPins returns every pin with an outstanding request, for draining
// on shutdown.
func (t *Table) PendingPins() []uint32 {
	pins := make([]uint32, 0, len(t.pending))
	for pin := range t.pending {
		pins = append(pins, pin)
	}
	return pins
}
