package protocol

import (
	"fmt"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/netlinkclient"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// DriverCommand is a tagged variant over every message the driver may send,
// replacing per-command dynamic dispatch with one pattern match (spec.md
// §9: "Replace virtual callback tables with a tagged variant ...
// pattern-matched in one place").
type DriverCommand struct {
	Kind wire.Command
	UID  uint64

	// Pin-op fields, meaningful only when Kind.IsPinOp().
	Pin       uint32
	Value     uint32
	Config    wire.Config
	Direction wire.Direction
}

// decodeDriverCommand converts a raw netlink message into a DriverCommand,
// extracting only the attributes each command kind defines (spec.md §6.1).
func decodeDriverCommand(msg netlinkclient.Message) (*DriverCommand, error) {
	const op = "decode-driver-command"
	a := msg.Attrs
	if a.UniqueID == nil {
		return nil, errcode.New(op, errcode.ProtocolError, "missing unique_id", nil)
	}
	cmd := &DriverCommand{Kind: msg.Cmd, UID: *a.UniqueID}

	if !cmd.Kind.IsPinOp() {
		return cmd, nil
	}

	if a.GPIOPin == nil {
		return nil, errcode.New(op, errcode.ProtocolError, "missing gpio_pin", nil)
	}
	cmd.Pin = *a.GPIOPin

	switch cmd.Kind {
	case wire.CmdSetValue:
		if a.GPIOValue == nil {
			return nil, errcode.New(op, errcode.ProtocolError, "missing gpio_value", nil)
		}
		cmd.Value = *a.GPIOValue
	case wire.CmdSetConfig:
		if a.GPIOConfig == nil {
			return nil, errcode.New(op, errcode.ProtocolError, "missing gpio_config", nil)
		}
		cmd.Config = wire.Config(*a.GPIOConfig)
	case wire.CmdSetDirection:
		if a.GPIODirection == nil {
			return nil, errcode.New(op, errcode.ProtocolError, "missing gpio_direction", nil)
		}
		cmd.Direction = wire.Direction(*a.GPIODirection)
	case wire.CmdGetValue:
		// No further fields.
	default:
		return nil, errcode.New(op, errcode.ProtocolError, fmt.Sprintf("unexpected pin-op kind %v", cmd.Kind), nil)
	}
	return cmd, nil
}
