// Package netlinkclient implements the kernel-facing boundary from
// spec.md §4.2: it resolves the CPC_GPIO_GENL generic-netlink family,
// joins its multicast group, and exposes a typed send/receive surface
// over the raw family + attribute wire schema in internal/wire.
//
// The family's multicast group is used for traffic in both directions:
// the driver multicasts commands the bridge observes after joining the
// group, and the bridge addresses its own replies and notifications back
// to the kernel endpoint (PID 0) — the distinction spec.md draws between
// "unicast … addressed to the sender port" and "multicast" is therefore,
// on this socket, a difference in intent (answering one request vs.
// broadcasting a notification) rather than in destination address; both
// go out PID 0 and both tolerate ESRCH silently per spec.md §7. This is a
// deliberate simplifying choice recorded in DESIGN.md — the upstream
// driver source was not available to resolve it definitively.
package netlinkclient

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// Message is one decoded incoming generic-netlink message.
type Message struct {
	Cmd   wire.Command
	Attrs *wire.Attrs
}

// Client is the resolved, joined connection to the CPC_GPIO_GENL family.
type Client struct {
	conn     *netlink.Conn
	familyID uint16
	groupID  uint32
	seq      uint32
}

// Dial resolves the family by name, joins its multicast group, and
// returns a ready Client. It fails with errcode.DriverNotLoaded if the
// family (or a multicast group on it) is not registered — spec.md §4.2:
// "Fails with driver-not-loaded if the family is unknown."
func Dial() (*Client, error) {
	gc, err := genetlink.Dial(nil)
	if err != nil {
		return nil, errcode.New("dial", errcode.IOError, err.Error(), err)
	}
	fam, ferr := gc.GetFamily(wire.FamilyName)
	_ = gc.Close()
	if ferr != nil {
		return nil, errcode.New("resolve-family", errcode.DriverNotLoaded, ferr.Error(), ferr)
	}
	if len(fam.Groups) == 0 {
		return nil, errcode.New("resolve-family", errcode.DriverNotLoaded, "family has no multicast group", nil)
	}

	conn, err := netlink.Dial(unix.NETLINK_GENERIC, nil)
	if err != nil {
		return nil, errcode.New("dial", errcode.IOError, err.Error(), err)
	}

	groupID := fam.Groups[0].ID
	if err := conn.JoinGroup(groupID); err != nil {
		_ = conn.Close()
		return nil, errcode.New("join-group", errcode.DriverNotLoaded, err.Error(), err)
	}

	return &Client{conn: conn, familyID: fam.ID, groupID: groupID}, nil
}

// Close releases the underlying netlink socket.
func (c *Client) Close() error { return c.conn.Close() }

// Receive blocks for the next batch of incoming multicast messages and
// decodes each into a Message. A malformed message is skipped rather than
// failing the whole batch, so one bad frame from a misbehaving driver
// cannot wedge the bridge.
func (c *Client) Receive() ([]Message, error) {
	msgs, err := c.conn.Receive()
	if err != nil {
		return nil, errcode.New("receive", errcode.IOError, err.Error(), err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		dm, err := decodeGenl(m.Data)
		if err != nil {
			continue
		}
		out = append(out, *dm)
	}
	return out, nil
}

// SendUnicast sends a reply addressed to the kernel endpoint, used for
// the INIT and DEINIT replies that directly answer one incoming message
// (spec.md §4.2).
func (c *Client) SendUnicast(cmd wire.Command, body []byte) error {
	return c.send(cmd, body)
}

// SendMulticast sends a command-specific notification (chip advertisement,
// per-pin operation reply). Like SendUnicast it addresses the kernel
// endpoint (PID 0); see the package comment.
func (c *Client) SendMulticast(cmd wire.Command, body []byte) error {
	return c.send(cmd, body)
}

func (c *Client) send(cmd wire.Command, body []byte) error {
	c.seq++
	data := encodeGenl(cmd, wire.FamilyVersion, body)
	msg := netlink.Message{
		Header: netlink.Header{
			Type:     netlink.HeaderType(c.familyID),
			Flags:    netlink.Request,
			Sequence: c.seq,
			PID:      0,
		},
		Data: data,
	}
	_, err := c.conn.Send(msg)
	if err != nil {
		if isESRCH(err) {
			// spec.md §7: "Netlink send failure (ESRCH when nobody is
			// listening) — Yes (silently, not an error)".
			return nil
		}
		return errcode.New("send", errcode.IOError, err.Error(), err)
	}
	return nil
}

func isESRCH(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

// genlHeaderLen is the fixed 4-byte generic-netlink message header:
// command(u8), version(u8), 2 reserved bytes.
const genlHeaderLen = 4

func encodeGenl(cmd wire.Command, version uint8, body []byte) []byte {
	out := make([]byte, genlHeaderLen+len(body))
	out[0] = byte(cmd)
	out[1] = version
	out[2] = 0
	out[3] = 0
	copy(out[genlHeaderLen:], body)
	return out
}

func decodeGenl(data []byte) (*Message, error) {
	if len(data) < genlHeaderLen {
		return nil, errcode.New("decode-genl", errcode.ProtocolError,
			fmt.Sprintf("message too short: %d bytes", len(data)), nil)
	}
	cmd := wire.Command(data[0])
	attrs, err := wire.DecodeAttrs(data[genlHeaderLen:])
	if err != nil {
		return nil, err
	}
	return &Message{Cmd: cmd, Attrs: attrs}, nil
}
