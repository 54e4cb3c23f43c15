// Package transport implements the CPC daemon-facing boundary from
// spec.md §4.1: it opens the named endpoint, reads/writes length-delimited
// frames, and surfaces connection loss as a distinguishable condition the
// protocol engine treats as fatal.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
)

// ErrClosed is returned by Recv when the peer has reset the connection
// (spec.md §4.1: "On peer reset the transport surfaces closed").
var ErrClosed = errors.New("transport: closed")

// maxFrame bounds a single frame's payload length; the wire format's
// length prefix is a u16, so this is also its hard ceiling.
const maxFrame = 0xFFFF

// socketPath is the conventional location the CPC daemon places a named
// endpoint's Unix domain socket at.
func socketPath(socketDir, instance string) string {
	return filepath.Join(socketDir, instance+".sock")
}

// Endpoint is the boundary the protocol engine depends on; Client
// implements it against a real Unix socket, and tests substitute a
// net.Pipe-backed fake.
type Endpoint interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Client is a length-delimited frame endpoint over a stream connection.
type Client struct {
	conn net.Conn
}

// Connect dials the named endpoint's socket under socketDir. connectTimeout
// bounds the dial itself, not the subsequent handshake (the protocol
// engine applies its own deadlines to that).
func Connect(ctx context.Context, socketDir, instance string, connectTimeout time.Duration) (*Client, error) {
	path := socketPath(socketDir, instance)

	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errcode.New("connect", errcode.EndpointUnavailable, path, err)
		}
		return nil, errcode.New("connect", errcode.EndpointUnavailable, err.Error(), err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an already-established connection (used by tests with
// net.Pipe, and by any future non-Unix-socket endpoint).
func NewClient(conn net.Conn) *Client { return &Client{conn: conn} }

// Send writes one length-delimited frame: a u16 big-endian payload length
// followed by the payload (spec.md §6.2).
func (c *Client) Send(frame []byte) error {
	if len(frame) > maxFrame {
		return errcode.New("send", errcode.ProtocolError, fmt.Sprintf("frame too large: %d", len(frame)), nil)
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frame)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return wrapIOErr("send", err)
	}
	if len(frame) == 0 {
		return nil
	}
	if _, err := c.conn.Write(frame); err != nil {
		return wrapIOErr("send", err)
	}
	return nil
}

// Recv reads one length-delimited frame.
func (c *Client) Recv() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, wrapIOErr("recv", err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, wrapIOErr("recv", err)
	}
	return buf, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func wrapIOErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return errcode.New(op, errcode.IOError, err.Error(), err)
}
