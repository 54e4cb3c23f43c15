// Package protocol implements the bridge's state machine (spec.md §4.5):
// the startup handshake with firmware, the INIT exchange with the driver,
// per-pin request correlation and timeouts, DEINIT draining, and failure
// propagation. It is the hard part of the repository — everything else is
// a pure encoder/decoder or an I/O primitive this package drives.
package protocol

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/bus"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/netlinkclient"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/pintable"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/transport"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// State is one of the bridge's global lifecycle states (spec.md §4.5).
type State int

const (
	StateStarting State = iota
	StateHandshaking
	StateReady
	StateDraining
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Topics the engine publishes diagnostics to (spec.md §10 supplemented
// features: an internal pub/sub bus for state transitions).
const (
	TopicState   bus.Topic = "engine.state"
	TopicPinDone bus.Topic = "engine.pin.done"
)

// NetlinkClient is the subset of *netlinkclient.Client the engine depends
// on; tests substitute a fake.
type NetlinkClient interface {
	SendUnicast(cmd wire.Command, body []byte) error
	SendMulticast(cmd wire.Command, body []byte) error
	Receive() ([]netlinkclient.Message, error)
	Close() error
}

// Options are the engine's tunable timings and version identity.
type Options struct {
	OpTimeout        time.Duration // T_OP, spec.md §4.5 (default 2s)
	HandshakeTimeout time.Duration // bound on awaiting the firmware descriptor
	DrainTimeout     time.Duration // T_DRAIN, spec.md §4.5
	VersionMajor     uint8
	VersionMinor     uint8
	VersionPatch     uint8
}

// DefaultOptions returns the spec's default timings.
func DefaultOptions() Options {
	return Options{
		OpTimeout:        2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		DrainTimeout:     3 * time.Second,
		VersionMajor:     1,
	}
}

// Engine is the single-threaded protocol state machine. All mutable bridge
// state lives here; every other component is a pure encoder/decoder or I/O
// primitive (spec.md §4.7).
type Engine struct {
	nl    NetlinkClient
	xport transport.Endpoint
	opts  Options
	log   *logrus.Entry
	diag  *bus.Bus

	state            State
	chip             *Chip
	table            *pintable.Table
	driverRegistered bool

	// directionChain tracks pins mid-way through the SET_DIRECTION(OUT)
	// composite: direction write, then value write, one driver-facing
	// reply (spec.md §4.5: "realized as a direction change followed by a
	// value write iff the direction change succeeded").
	directionChain map[uint32]struct{}

	drainDeadline time.Time
}

// New builds an Engine over an already-dialed netlink client and transport
// endpoint.
func New(nl NetlinkClient, xport transport.Endpoint, opts Options, log *logrus.Entry, diag *bus.Bus) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if diag == nil {
		diag = bus.New(8)
	}
	return &Engine{
		nl:             nl,
		xport:          xport,
		opts:           opts,
		log:            log,
		diag:           diag,
		state:          StateStarting,
		directionChain: make(map[uint32]struct{}),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

func (e *Engine) setState(s State) {
	e.state = s
	e.log.WithField("state", s.String()).Info("state transition")
	e.diag.Publish(TopicState, s)
}

// Handshake runs the startup sequence: greet firmware, validate its
// descriptor, advertise the chip to the driver (spec.md §4.5 "Startup").
// Failure here is unrecoverable; the caller exits 1.
func (e *Engine) Handshake(ctx context.Context) error {
	e.setState(StateHandshaking)

	if err := e.xport.Send(wire.EncodeGreeting()); err != nil {
		return errcode.New("handshake", errcode.EndpointUnavailable, "send greeting", err)
	}

	type recvResult struct {
		payload []byte
		err     error
	}
	done := make(chan recvResult, 1)
	go func() {
		p, err := e.xport.Recv()
		done <- recvResult{p, err}
	}()

	var payload []byte
	select {
	case r := <-done:
		if r.err != nil {
			return errcode.New("handshake", errcode.EndpointUnavailable, "recv descriptor", r.err)
		}
		payload = r.payload
	case <-ctx.Done():
		return errcode.New("handshake", errcode.EndpointUnavailable, "cancelled", ctx.Err())
	case <-time.After(e.opts.HandshakeTimeout):
		return errcode.New("handshake", errcode.EndpointUnavailable, "firmware handshake timed out", nil)
	}

	if wire.IsVersionMismatch(payload) {
		return errcode.New("handshake", errcode.VersionMismatch, "firmware version mismatch", nil)
	}

	desc, err := wire.DecodeDescriptor(payload)
	if err != nil {
		return err
	}
	chip, err := newChip(desc)
	if err != nil {
		return err
	}
	e.chip = chip
	e.table = pintable.New(len(chip.Names))

	body, err := wire.EncodeInitAdvertise(chip.UID, chip.Label, chip.Names)
	if err != nil {
		return err
	}
	if err := e.nl.SendMulticast(wire.CmdInit, body); err != nil {
		return errcode.New("handshake", errcode.DriverNotLoaded, "advertise chip", err)
	}

	e.setState(StateReady)
	return nil
}

type nlBatch struct {
	msgs []netlinkclient.Message
	err  error
}

type frameResult struct {
	payload []byte
	err     error
}

// Loop runs the event loop until the bridge drains to a clean exit or an
// unrecoverable failure moves it to Failed (spec.md §4.7). It must be
// called only after a successful Handshake.
func (e *Engine) Loop(ctx context.Context) error {
	nlCh := make(chan nlBatch)
	go func() {
		for {
			msgs, err := e.nl.Receive()
			nlCh <- nlBatch{msgs, err}
			if err != nil {
				return
			}
		}
	}()

	frameCh := make(chan frameResult)
	go func() {
		for {
			p, err := e.xport.Recv()
			frameCh <- frameResult{p, err}
			if err != nil {
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		drainTimer(timer)
	}
	defer timer.Stop()

	done := ctx.Done()
	for {
		e.rearm(timer)

		select {
		case <-done:
			if e.state != StateReady {
				return e.closeClean()
			}
			e.beginDraining()
			done = nil // cancellation has been observed; let the drain run

		case sig := <-sigCh:
			e.log.WithField("signal", sig.String()).Info("received shutdown signal")
			if e.state == StateReady {
				e.beginDraining()
			}

		case b := <-nlCh:
			if b.err != nil {
				return e.fail("netlink family disappearance", b.err)
			}
			for _, msg := range b.msgs {
				e.handleNetlinkMessage(msg)
			}

		case f := <-frameCh:
			if f.err != nil {
				return e.fail("transport closed", f.err)
			}
			e.handleFirmwareFrame(f.payload)

		case <-timer.C:
			e.handleTimerFire()
		}

		if e.state == StateDraining && len(e.table.PendingPins()) == 0 {
			return e.closeClean()
		}
	}
}

func (e *Engine) rearm(timer *time.Timer) {
	var next time.Time
	if d, ok := e.table.NextDeadline(); ok {
		next = d
	}
	if e.state == StateDraining && (next.IsZero() || e.drainDeadline.Before(next)) {
		next = e.drainDeadline
	}
	if next.IsZero() {
		resetTimer(timer, time.Hour)
		return
	}
	resetTimer(timer, time.Until(next))
}

func (e *Engine) beginDraining() {
	e.setState(StateDraining)
	e.drainDeadline = time.Now().Add(e.opts.DrainTimeout)
}

func (e *Engine) closeClean() error {
	e.setState(StateExited)
	_ = e.xport.Close()
	_ = e.nl.Close()
	return nil
}

func (e *Engine) fail(reason string, cause error) error {
	e.log.WithError(cause).Error(reason)
	e.state = StateFailed
	e.diag.Publish(TopicState, StateFailed)

	for _, pin := range e.table.PendingPins() {
		e.replyPin(e.pendingKind(pin), pin, errcode.BrokenPipe, nil)
		e.table.Clear(pin)
	}
	if e.chip != nil {
		if body, err := wire.EncodeExitNotify(e.chip.UID, reason); err == nil {
			_ = e.nl.SendMulticast(wire.CmdExit, body)
		}
	}
	_ = e.xport.Close()
	_ = e.nl.Close()
	return errcode.New("loop", errcode.BrokenPipe, reason, cause)
}

func (e *Engine) pendingKind(pin uint32) wire.Command {
	if p, ok := e.table.Pending(pin); ok {
		return p.Kind
	}
	return wire.CmdGetValue
}

func (e *Engine) handleTimerFire() {
	now := time.Now()
	for _, pin := range e.table.DueAt(now) {
		kind := e.pendingKind(pin)
		e.table.Clear(pin)
		delete(e.directionChain, pin)
		e.replyPin(kind, pin, errcode.BrokenPipe, nil)
	}
	if e.state == StateDraining && !now.Before(e.drainDeadline) {
		for _, pin := range e.table.PendingPins() {
			e.replyPin(e.pendingKind(pin), pin, errcode.BrokenPipe, nil)
			e.table.Clear(pin)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		drainTimer(t)
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
