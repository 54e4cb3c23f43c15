package protocol

import (
	"time"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/netlinkclient"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// handleNetlinkMessage decodes one incoming driver message and dispatches
// it. A malformed message is dropped and logged rather than failing the
// loop — it carries no reliable pin/uid context to reply against.
func (e *Engine) handleNetlinkMessage(msg netlinkclient.Message) {
	cmd, err := decodeDriverCommand(msg)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed driver command")
		return
	}
	if err := e.handleDriverCommand(cmd); err != nil {
		e.log.WithError(err).Error("firmware write failed handling driver command")
	}
}

// handleDriverCommand pattern-matches the tagged DriverCommand in one
// place (spec.md §9). It returns a non-nil error only when forwarding to
// firmware failed; the caller logs it and the loop carries on.
func (e *Engine) handleDriverCommand(cmd *DriverCommand) error {
	switch cmd.Kind {
	case wire.CmdInit:
		e.handleDriverInit(cmd)
		return nil
	case wire.CmdDeinit:
		e.handleDriverDeinit(cmd)
		return nil
	case wire.CmdExit:
		if e.state == StateReady {
			e.beginDraining()
		}
		return nil
	default:
		if cmd.Kind.IsPinOp() {
			return e.handlePinCommand(cmd)
		}
		e.log.WithField("cmd", cmd.Kind.String()).Warn("unrecognized driver command")
		return nil
	}
}

// handleDriverInit answers the driver's own INIT registration (spec.md §9
// open question (a): distinct from, and in addition to, the multicast
// chip advertisement sent at handshake completion).
func (e *Engine) handleDriverInit(cmd *DriverCommand) {
	if e.chip == nil || cmd.UID != e.chip.UID {
		e.replyInit(cmd.UID, errcode.ProtocolError)
		return
	}
	if e.driverRegistered {
		// spec.md §4.5: "Duplicate INIT while Ready is a protocol error;
		// the second is refused with busy."
		e.replyInit(cmd.UID, errcode.Busy)
		return
	}
	e.driverRegistered = true
	e.replyInit(cmd.UID, errcode.OK)
}

func (e *Engine) replyInit(uid uint64, code errcode.Code) {
	body, err := wire.EncodeInitReply(uid, errcode.ToStatus(code))
	if err != nil {
		e.log.WithError(err).Error("encode init reply")
		return
	}
	if err := e.nl.SendUnicast(wire.CmdInit, body); err != nil {
		e.log.WithError(err).Error("send init reply")
	}
}

func (e *Engine) handleDriverDeinit(cmd *DriverCommand) {
	if e.state != StateReady && e.state != StateDraining {
		return
	}
	if e.chip == nil || cmd.UID != e.chip.UID {
		e.replyDeinit(cmd.UID, errcode.ProtocolError)
		return
	}
	if e.state == StateReady {
		e.beginDraining()
	}
	e.replyDeinit(cmd.UID, errcode.OK)
}

func (e *Engine) replyDeinit(uid uint64, code errcode.Code) {
	body, err := wire.EncodeDeinitReply(uid, errcode.ToStatus(code),
		e.opts.VersionMajor, e.opts.VersionMinor, e.opts.VersionPatch)
	if err != nil {
		e.log.WithError(err).Error("encode deinit reply")
		return
	}
	if err := e.nl.SendUnicast(wire.CmdDeinit, body); err != nil {
		e.log.WithError(err).Error("send deinit reply")
	}
}

// handlePinCommand implements the "Ready — kernel → bridge → firmware"
// path (spec.md §4.5). It returns an error only when the forwarding write
// to firmware fails, after clearing the pin's pending slot; the error is
// logged, not fatal. A closed transport is detected as fatal by the event
// loop's receive side.
func (e *Engine) handlePinCommand(cmd *DriverCommand) error {
	if e.chip == nil || cmd.UID != e.chip.UID {
		e.replyPin(cmd.Kind, cmd.Pin, errcode.ProtocolError, nil)
		return nil
	}
	if e.state != StateReady {
		// spec.md §4.5: "While draining, reject new driver commands with
		// broken-pipe."
		e.replyPin(cmd.Kind, cmd.Pin, errcode.BrokenPipe, nil)
		return nil
	}
	if cmd.Kind == wire.CmdSetConfig && !wire.SupportedConfig(cmd.Config) {
		// spec.md §8 scenario 5: answered without contacting firmware and
		// without occupying the pin's pending slot.
		e.replyPin(cmd.Kind, cmd.Pin, errcode.NotSupported, nil)
		return nil
	}

	deadline := time.Now().Add(e.opts.OpTimeout)
	if err := e.table.Begin(cmd.Pin, cmd.Kind, deadline); err != nil {
		e.replyPin(cmd.Kind, cmd.Pin, errcode.Of(err), nil)
		return nil
	}
	pend, _ := e.table.Pending(cmd.Pin)
	pend.Value = uint8(cmd.Value)
	pend.Config = cmd.Config
	pend.Direction = cmd.Direction

	req := &wire.PinRequest{Tag: cmd.Kind, UID: cmd.UID, Pin: cmd.Pin}
	switch cmd.Kind {
	case wire.CmdSetValue:
		req.Value = pend.Value
	case wire.CmdSetConfig:
		req.Config = uint8(cmd.Config)
	case wire.CmdSetDirection:
		req.Direction = uint8(cmd.Direction)
	}

	if err := e.sendFirmwareRequest(req); err != nil {
		e.table.Clear(cmd.Pin)
		return err
	}
	return nil
}

func (e *Engine) sendFirmwareRequest(req *wire.PinRequest) error {
	return e.xport.Send(wire.EncodePinRequest(req))
}

// handleFirmwareFrame decodes one firmware response frame and correlates
// it against the pending table (spec.md §4.5 "Ready — firmware → bridge →
// kernel").
func (e *Engine) handleFirmwareFrame(payload []byte) {
	resp, err := wire.DecodePinResponse(payload)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed firmware response")
		return
	}
	if err := e.onFirmwareResponse(resp); err != nil {
		e.log.WithError(err).Error("firmware write failed completing pin request")
	}
}

func (e *Engine) onFirmwareResponse(resp *wire.PinResponse) error {
	pin := resp.Pin

	if _, chaining := e.directionChain[pin]; chaining {
		return e.completeDirectionChain(pin, resp)
	}

	pend, ok := e.table.Pending(pin)
	if !ok {
		return nil // stray or late response; the pin is no longer owed a reply.
	}
	if resp.Tag != pend.Kind {
		return nil // defensive: ignore a reply that doesn't match what's pending.
	}

	status := errcode.FromStatus(errcode.Status(resp.Status))

	switch pend.Kind {
	case wire.CmdGetValue:
		var val *uint32
		if status == errcode.OK {
			if resp.Value == nil {
				// spec.md §4.5: "A GET response lacking a value on
				// status=OK is treated as protocol-error."
				status = errcode.ProtocolError
			} else {
				e.table.SetValue(pin, *resp.Value)
				v := uint32(*resp.Value)
				val = &v
			}
		}
		e.table.Clear(pin)
		e.replyPin(wire.CmdGetValue, pin, status, val)

	case wire.CmdSetValue:
		if status == errcode.OK {
			e.table.SetValue(pin, pend.Value)
		}
		e.table.Clear(pin)
		e.replyPin(wire.CmdSetValue, pin, status, nil)

	case wire.CmdSetConfig:
		if status == errcode.OK {
			e.table.SetConfig(pin, pend.Config)
		}
		e.table.Clear(pin)
		e.replyPin(wire.CmdSetConfig, pin, status, nil)

	case wire.CmdSetDirection:
		if status == errcode.OK && pend.Direction == wire.DirectionOut {
			e.directionChain[pin] = struct{}{}
			req := &wire.PinRequest{Tag: wire.CmdSetValue, UID: e.chip.UID, Pin: pin, Value: pend.Value}
			if err := e.sendFirmwareRequest(req); err != nil {
				delete(e.directionChain, pin)
				e.table.Clear(pin)
				return err
			}
			return nil // pending slot stays open for the value-write leg.
		}
		if status == errcode.OK {
			e.table.SetDirection(pin, pend.Direction)
		}
		e.table.Clear(pin)
		e.replyPin(wire.CmdSetDirection, pin, status, nil)
	}

	e.diag.Publish(TopicPinDone, pin)
	return nil
}

// completeDirectionChain finishes the SET_DIRECTION(OUT) composite: the
// driver is told the status of the last sub-step, the value write
// (spec.md §4.5), regardless of which transport tag answered it.
func (e *Engine) completeDirectionChain(pin uint32, resp *wire.PinResponse) error {
	delete(e.directionChain, pin)
	pend, ok := e.table.Pending(pin)
	if !ok {
		return nil
	}
	status := errcode.FromStatus(errcode.Status(resp.Status))
	if status == errcode.OK {
		e.table.SetDirection(pin, pend.Direction)
		e.table.SetValue(pin, pend.Value)
	}
	e.table.Clear(pin)
	e.replyPin(wire.CmdSetDirection, pin, status, nil)
	e.diag.Publish(TopicPinDone, pin)
	return nil
}

// replyPin emits the netlink multicast reply for a completed or failed
// pin operation (spec.md §4.2, §4.5).
func (e *Engine) replyPin(kind wire.Command, pin uint32, code errcode.Code, value *uint32) {
	uid := uint64(0)
	if e.chip != nil {
		uid = e.chip.UID
	}
	body, err := wire.EncodePinReply(uid, pin, errcode.ToStatus(code), value)
	if err != nil {
		e.log.WithError(err).Error("encode pin reply")
		return
	}
	if err := e.nl.SendMulticast(kind, body); err != nil {
		e.log.WithError(err).Error("send pin reply")
	}
}
