package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/netlinkclient"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/transport"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// fakeNetlink is a NetlinkClient test double: driver-originated messages
// are injected on in, and every outbound send is recorded on sent.
type fakeNetlink struct {
	in     chan netlinkclient.Message
	sent   chan sentMsg
	once   sync.Once
	closed chan struct{}
}

type sentMsg struct {
	unicast bool
	cmd     wire.Command
	attrs   *wire.Attrs
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{
		in:     make(chan netlinkclient.Message, 8),
		sent:   make(chan sentMsg, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeNetlink) SendUnicast(cmd wire.Command, body []byte) error {
	attrs, err := wire.DecodeAttrs(body)
	if err != nil {
		return err
	}
	f.sent <- sentMsg{unicast: true, cmd: cmd, attrs: attrs}
	return nil
}

func (f *fakeNetlink) SendMulticast(cmd wire.Command, body []byte) error {
	attrs, err := wire.DecodeAttrs(body)
	if err != nil {
		return err
	}
	f.sent <- sentMsg{unicast: false, cmd: cmd, attrs: attrs}
	return nil
}

func (f *fakeNetlink) Receive() ([]netlinkclient.Message, error) {
	select {
	case m, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return []netlinkclient.Message{m}, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeNetlink) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeNetlink) driverSends(cmd wire.Command, uid uint64, attrSet func(*wire.Attrs)) {
	// Builds the decoded Attrs directly; absent attributes stay nil
	// pointers, as DecodeAttrs leaves them for production traffic.
	a := &wire.Attrs{UniqueID: &uid}
	if attrSet != nil {
		attrSet(a)
	}
	f.in <- netlinkclient.Message{Cmd: cmd, Attrs: a}
}

func mustSent(t *testing.T, ch chan sentMsg, d time.Duration) sentMsg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(d):
		t.Fatal("timed out waiting for netlink send")
		return sentMsg{}
	}
}

func u32p(v uint32) *uint32 { return &v }

// newTestEngine wires an Engine over a fake netlink client and a net.Pipe
// transport whose far end is driven by the caller as the firmware peer.
func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeNetlink, *transport.Client) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })

	nl := newFakeNetlink()
	e := New(nl, transport.NewClient(local), opts, nil, nil)
	return e, nl, transport.NewClient(remote)
}

func testOptions() Options {
	o := DefaultOptions()
	o.OpTimeout = 50 * time.Millisecond
	o.HandshakeTimeout = time.Second
	o.DrainTimeout = 100 * time.Millisecond
	return o
}

// runHandshake performs the firmware side of the startup handshake and
// returns once the engine has reached Ready.
func runHandshake(t *testing.T, e *Engine, fw *transport.Client, uid uint64, label string, names []string) {
	t.Helper()
	// net.Pipe is unbuffered, so the firmware side runs concurrently with
	// the engine's Handshake.
	fwErr := make(chan error, 1)
	go func() {
		if _, err := fw.Recv(); err != nil {
			fwErr <- fmt.Errorf("recv greeting: %w", err)
			return
		}
		desc := &wire.Descriptor{UID: uid, ChipLabel: label, GPIONames: names}
		if err := fw.Send(wire.EncodeDescriptor(desc)); err != nil {
			fwErr <- fmt.Errorf("send descriptor: %w", err)
			return
		}
		fwErr <- nil
	}()
	if err := e.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if err := <-fwErr; err != nil {
		t.Fatalf("firmware side of handshake: %v", err)
	}
}

func TestHandshakeAdvertisesChip(t *testing.T) {
	e, nl, fw := newTestEngine(t, testOptions())
	runHandshake(t, e, fw, 0xA1B2, "CPC-EXP", []string{"P0", "P1"})

	got := mustSent(t, nl.sent, time.Second)
	if got.unicast {
		t.Fatal("expected the chip advertisement to be multicast")
	}
	if got.cmd != wire.CmdInit {
		t.Fatalf("cmd = %v, want INIT", got.cmd)
	}
	if *got.attrs.UniqueID != 0xA1B2 || *got.attrs.ChipLabel != "CPC-EXP" || *got.attrs.GPIOCount != 2 {
		t.Fatalf("advertise attrs = %+v", got.attrs)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %v, want Ready", e.State())
	}
}

func TestDriverInitThenDuplicateIsBusy(t *testing.T) {
	e, nl, fw := newTestEngine(t, testOptions())
	runHandshake(t, e, fw, 0xA1B2, "CPC-EXP", []string{"P0", "P1"})
	mustSent(t, nl.sent, time.Second) // drain the advertisement

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Loop(ctx)

	nl.driverSends(wire.CmdInit, 0xA1B2, nil)
	first := mustSent(t, nl.sent, time.Second)
	if !first.unicast || first.cmd != wire.CmdInit || *first.attrs.Status != uint32(errcode.StatusOK) {
		t.Fatalf("first init reply = %+v", first)
	}

	nl.driverSends(wire.CmdInit, 0xA1B2, nil)
	second := mustSent(t, nl.sent, time.Second)
	if !second.unicast || second.cmd != wire.CmdInit || *second.attrs.Status != uint32(errcode.StatusProtocolError) {
		t.Fatalf("duplicate init reply = %+v, want protocol-error status (busy)", second)
	}
}

func TestGetValueSuccess(t *testing.T) {
	e, nl, fw := newTestEngine(t, testOptions())
	runHandshake(t, e, fw, 0xA1B2, "CPC-EXP", []string{"P0", "P1"})
	mustSent(t, nl.sent, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Loop(ctx)

	go func() {
		payload, err := fw.Recv()
		if err != nil {
			return
		}
		req, err := wire.DecodePinRequest(payload)
		if err != nil || req.Tag != wire.CmdGetValue {
			return
		}
		v := uint8(1)
		_ = fw.Send(wire.EncodePinResponse(&wire.PinResponse{
			Tag: wire.CmdGetValue, UID: req.UID, Pin: req.Pin, Status: uint8(errcode.StatusOK), Value: &v,
		}))
	}()

	nl.driverSends(wire.CmdGetValue, 0xA1B2, func(a *wire.Attrs) { a.GPIOPin = u32p(1) })

	reply := mustSent(t, nl.sent, time.Second)
	if reply.unicast || reply.cmd != wire.CmdGetValue {
		t.Fatalf("reply = %+v", reply)
	}
	if *reply.attrs.Status != uint32(errcode.StatusOK) || *reply.attrs.GPIOValue != 1 {
		t.Fatalf("reply attrs = %+v, want status=OK value=1", reply.attrs)
	}
}

func TestGetValueTimeout(t *testing.T) {
	e, nl, fw := newTestEngine(t, testOptions())
	runHandshake(t, e, fw, 0xA1B2, "CPC-EXP", []string{"P0", "P1"})
	mustSent(t, nl.sent, time.Second)
	// Firmware reads the request (net.Pipe is unbuffered) but never answers.
	go func() { _, _ = fw.Recv() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Loop(ctx)

	nl.driverSends(wire.CmdGetValue, 0xA1B2, func(a *wire.Attrs) { a.GPIOPin = u32p(1) })

	reply := mustSent(t, nl.sent, time.Second)
	if reply.cmd != wire.CmdGetValue || *reply.attrs.Status != uint32(errcode.StatusBrokenPipe) {
		t.Fatalf("reply = %+v, want status=BROKEN_PIPE", reply)
	}
	if reply.attrs.GPIOValue != nil {
		t.Fatal("expected no value attribute on timeout")
	}
}

func TestSetConfigUnsupportedSkipsFirmware(t *testing.T) {
	e, nl, fw := newTestEngine(t, testOptions())
	runHandshake(t, e, fw, 0xA1B2, "CPC-EXP", []string{"P0", "P1"})
	mustSent(t, nl.sent, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Loop(ctx)

	firmwareGotFrame := make(chan struct{}, 1)
	go func() {
		if _, err := fw.Recv(); err == nil {
			firmwareGotFrame <- struct{}{}
		}
	}()

	nl.driverSends(wire.CmdSetConfig, 0xA1B2, func(a *wire.Attrs) {
		a.GPIOPin = u32p(0)
		a.GPIOConfig = u32p(0xFF)
	})

	reply := mustSent(t, nl.sent, time.Second)
	if *reply.attrs.Status != uint32(errcode.StatusNotSupported) {
		t.Fatalf("status = %v, want NOT_SUPPORTED", *reply.attrs.Status)
	}
	select {
	case <-firmwareGotFrame:
		t.Fatal("firmware should not have been contacted for an unsupported config")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetDirectionOutChainsValueWrite(t *testing.T) {
	e, nl, fw := newTestEngine(t, testOptions())
	runHandshake(t, e, fw, 0xA1B2, "CPC-EXP", []string{"P0", "P1"})
	mustSent(t, nl.sent, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Loop(ctx)

	go func() {
		for i := 0; i < 2; i++ {
			payload, err := fw.Recv()
			if err != nil {
				return
			}
			req, err := wire.DecodePinRequest(payload)
			if err != nil {
				return
			}
			_ = fw.Send(wire.EncodePinResponse(&wire.PinResponse{
				Tag: req.Tag, UID: req.UID, Pin: req.Pin, Status: uint8(errcode.StatusOK),
			}))
		}
	}()

	nl.driverSends(wire.CmdSetDirection, 0xA1B2, func(a *wire.Attrs) {
		a.GPIOPin = u32p(0)
		a.GPIODirection = u32p(uint32(wire.DirectionOut))
	})

	reply := mustSent(t, nl.sent, time.Second)
	if reply.cmd != wire.CmdSetDirection || *reply.attrs.Status != uint32(errcode.StatusOK) {
		t.Fatalf("reply = %+v, want one SET_DIRECTION OK reply", reply)
	}

	select {
	case extra := <-nl.sent:
		t.Fatalf("expected exactly one driver-facing reply, got extra: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
