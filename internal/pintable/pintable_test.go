package pintable

import (
	"testing"
	"time"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

func TestNewTableInitialState(t *testing.T) {
	tb := New(2)
	if tb.N() != 2 {
		t.Fatalf("N() = %d, want 2", tb.N())
	}
	s, err := tb.Snapshot(0)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if s.Direction != wire.DirectionIn {
		t.Fatalf("initial direction = %v, want IN", s.Direction)
	}
}

func TestSnapshotUnknownPin(t *testing.T) {
	tb := New(2)
	if _, err := tb.Snapshot(5); errcode.Of(err) != errcode.ProtocolError {
		t.Fatalf("expected protocol error for unknown pin, got %v", err)
	}
}

func TestBeginUnknownPin(t *testing.T) {
	tb := New(2)
	err := tb.Begin(5, wire.CmdGetValue, time.Now().Add(time.Second))
	if errcode.Of(err) != errcode.ProtocolError {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestBeginTwiceIsBusy(t *testing.T) {
	tb := New(2)
	deadline := time.Now().Add(time.Second)
	if err := tb.Begin(0, wire.CmdGetValue, deadline); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	err := tb.Begin(0, wire.CmdGetValue, deadline)
	if errcode.Of(err) != errcode.Busy {
		t.Fatalf("expected busy on second Begin, got %v", err)
	}
}

func TestClearAllowsReBegin(t *testing.T) {
	tb := New(2)
	deadline := time.Now().Add(time.Second)
	if err := tb.Begin(0, wire.CmdGetValue, deadline); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tb.Clear(0)
	if err := tb.Begin(0, wire.CmdSetValue, deadline); err != nil {
		t.Fatalf("re-Begin after Clear: %v", err)
	}
}

func TestNextDeadlinePicksEarliest(t *testing.T) {
	tb := New(3)
	now := time.Now()
	later := now.Add(2 * time.Second)
	sooner := now.Add(1 * time.Second)
	if err := tb.Begin(0, wire.CmdGetValue, later); err != nil {
		t.Fatal(err)
	}
	if err := tb.Begin(1, wire.CmdGetValue, sooner); err != nil {
		t.Fatal(err)
	}
	d, ok := tb.NextDeadline()
	if !ok {
		t.Fatal("expected a next deadline")
	}
	if !d.Equal(sooner) {
		t.Fatalf("NextDeadline = %v, want %v (sooner)", d, sooner)
	}
}

func TestNextDeadlineEmpty(t *testing.T) {
	tb := New(1)
	if _, ok := tb.NextDeadline(); ok {
		t.Fatal("expected no next deadline on empty table")
	}
}

func TestDueAt(t *testing.T) {
	tb := New(2)
	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)
	if err := tb.Begin(0, wire.CmdGetValue, past); err != nil {
		t.Fatal(err)
	}
	if err := tb.Begin(1, wire.CmdGetValue, future); err != nil {
		t.Fatal(err)
	}
	due := tb.DueAt(time.Now())
	if len(due) != 1 || due[0] != 0 {
		t.Fatalf("due = %v, want [0]", due)
	}
}

func TestSettersUpdateLineState(t *testing.T) {
	tb := New(1)
	tb.SetDirection(0, wire.DirectionOut)
	tb.SetValue(0, 1)
	tb.SetConfig(0, wire.ConfigBiasPullUp)
	s, _ := tb.Snapshot(0)
	if s.Direction != wire.DirectionOut || s.Value != 1 || s.Config != wire.ConfigBiasPullUp {
		t.Fatalf("snapshot = %+v, want direction=out value=1 config=pull_up", s)
	}
}

func TestPendingPins(t *testing.T) {
	tb := New(3)
	deadline := time.Now().Add(time.Second)
	if err := tb.Begin(0, wire.CmdGetValue, deadline); err != nil {
		t.Fatal(err)
	}
	if err := tb.Begin(2, wire.CmdSetValue, deadline); err != nil {
		t.Fatal(err)
	}
	pins := tb.PendingPins()
	if len(pins) != 2 {
		t.Fatalf("PendingPins = %v, want 2 entries", pins)
	}
}
