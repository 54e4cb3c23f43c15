package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
)

// Transport marker tag used in place of a Command for the one-shot
// version-mismatch reply firmware may send instead of a Descriptor during
// the startup handshake (spec.md §4.5: "If the transport answers with a
// version-mismatch marker within a bounded window, exit with
// version-mismatch").
const markerVersionMismatch byte = 0xFF

// MaxGPIOCap bounds the pin count the descriptor may advertise
// (spec.md §3: "a count N of GPIO lines (≤ implementation cap)").
const MaxGPIOCap = 64

// Greeting is the bridge's first frame to firmware: an empty-bodied INIT
// tag with no uid yet assigned.
func EncodeGreeting() []byte {
	return []byte{byte(CmdInit)}
}

// IsVersionMismatch reports whether a raw frame payload is the
// version-mismatch marker rather than a Descriptor.
func IsVersionMismatch(payload []byte) bool {
	return len(payload) >= 1 && payload[0] == markerVersionMismatch
}

// Descriptor is the firmware's answer to the greeting: the chip identity
// that becomes frozen at handshake time (spec.md §3).
type Descriptor struct {
	UID       uint64
	ChipLabel string
	GPIONames []string
}

// DecodeDescriptor parses a Descriptor frame. Layout (little-endian,
// self-describing): tag(u8)=CmdInit, uid(u64), then a length-prefixed
// label and length-prefixed names.
//
// Concretely:
//
//	tag        u8   (CmdInit)
//	uid        u64
//	label_len  u8
//	label      label_len bytes
//	gpio_count u8   (<= MaxGPIOCap)
//	names      gpio_count * (u8 len + len bytes)
func DecodeDescriptor(payload []byte) (*Descriptor, error) {
	const op = "decode-descriptor"
	r := newReader(payload)

	tag, err := r.u8()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated tag", err)
	}
	if Command(tag) != CmdInit {
		return nil, errcode.New(op, errcode.ProtocolError,
			fmt.Sprintf("unexpected tag %d, want INIT", tag), nil)
	}

	uid, err := r.u64()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated uid", err)
	}

	labelLen, err := r.u8()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated label length", err)
	}
	label, err := r.bytes(int(labelLen))
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated label", err)
	}

	count, err := r.u8()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated gpio count", err)
	}
	if int(count) > MaxGPIOCap {
		return nil, errcode.New(op, errcode.ProtocolError,
			fmt.Sprintf("gpio count %d exceeds cap %d", count, MaxGPIOCap), nil)
	}

	names := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		nl, err := r.u8()
		if err != nil {
			return nil, errcode.New(op, errcode.ProtocolError, "truncated name length", err)
		}
		nb, err := r.bytes(int(nl))
		if err != nil {
			return nil, errcode.New(op, errcode.ProtocolError, "truncated name", err)
		}
		names = append(names, string(nb))
	}
	if !r.empty() {
		return nil, errcode.New(op, errcode.ProtocolError, "trailing bytes after descriptor", nil)
	}

	return &Descriptor{UID: uid, ChipLabel: string(label), GPIONames: names}, nil
}

// EncodeDescriptor is the inverse of DecodeDescriptor (used by tests, and
// by any fake firmware peer).
func EncodeDescriptor(d *Descriptor) []byte {
	w := newWriter()
	w.u8(byte(CmdInit))
	w.u64(d.UID)
	w.u8(byte(len(d.ChipLabel)))
	w.bytes([]byte(d.ChipLabel))
	w.u8(byte(len(d.GPIONames)))
	for _, n := range d.GPIONames {
		w.u8(byte(len(n)))
		w.bytes([]byte(n))
	}
	return w.Bytes()
}

// PinRequest is a bridge→firmware per-pin operation request.
type PinRequest struct {
	Tag       Command
	UID       uint64
	Pin       uint32
	Value     uint8 // meaningful for SET_VALUE
	Config    uint8 // meaningful for SET_CONFIG
	Direction uint8 // meaningful for SET_DIRECTION
}

// EncodePinRequest serializes a PinRequest. Layout (little-endian):
// tag(u8) uid(u64) pin(u32) then, only for the relevant tag,
// value(u8)|config(u8)|direction(u8).
func EncodePinRequest(r *PinRequest) []byte {
	w := newWriter()
	w.u8(byte(r.Tag))
	w.u64(r.UID)
	w.u32(r.Pin)
	switch r.Tag {
	case CmdSetValue:
		w.u8(r.Value)
	case CmdSetConfig:
		w.u8(r.Config)
	case CmdSetDirection:
		w.u8(r.Direction)
	}
	return w.Bytes()
}

// DecodePinRequest is the inverse of EncodePinRequest (used by fake
// firmware peers in tests).
func DecodePinRequest(payload []byte) (*PinRequest, error) {
	const op = "decode-pin-request"
	r := newReader(payload)
	tag, err := r.u8()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated tag", err)
	}
	uid, err := r.u64()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated uid", err)
	}
	pin, err := r.u32()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated pin", err)
	}
	req := &PinRequest{Tag: Command(tag), UID: uid, Pin: pin}
	switch req.Tag {
	case CmdSetValue:
		v, err := r.u8()
		if err != nil {
			return nil, errcode.New(op, errcode.ProtocolError, "truncated value", err)
		}
		req.Value = v
	case CmdSetConfig:
		v, err := r.u8()
		if err != nil {
			return nil, errcode.New(op, errcode.ProtocolError, "truncated config", err)
		}
		req.Config = v
	case CmdSetDirection:
		v, err := r.u8()
		if err != nil {
			return nil, errcode.New(op, errcode.ProtocolError, "truncated direction", err)
		}
		req.Direction = v
	case CmdGetValue:
	default:
		return nil, errcode.New(op, errcode.ProtocolError, fmt.Sprintf("unexpected tag %d", tag), nil)
	}
	return req, nil
}

// PinResponse is a firmware→bridge per-pin operation reply.
type PinResponse struct {
	Tag    Command
	UID    uint64
	Pin    uint32
	Status uint8
	Value  *uint8 // present only for a successful GET_VALUE
}

// EncodePinResponse is the inverse of DecodePinResponse (used by fake
// firmware peers in tests).
func EncodePinResponse(r *PinResponse) []byte {
	w := newWriter()
	w.u8(byte(r.Tag))
	w.u64(r.UID)
	w.u32(r.Pin)
	w.u8(r.Status)
	if r.Value != nil {
		w.u8(*r.Value)
	}
	return w.Bytes()
}

// DecodePinResponse parses a firmware reply. Layout (little-endian):
// tag(u8) uid(u64) pin(u32) status(u8) [value(u8), optional, accepted only
// when tag==GET_VALUE].
func DecodePinResponse(payload []byte) (*PinResponse, error) {
	const op = "decode-pin-response"
	r := newReader(payload)
	tag, err := r.u8()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated tag", err)
	}
	uid, err := r.u64()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated uid", err)
	}
	pin, err := r.u32()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated pin", err)
	}
	status, err := r.u8()
	if err != nil {
		return nil, errcode.New(op, errcode.ProtocolError, "truncated status", err)
	}
	resp := &PinResponse{Tag: Command(tag), UID: uid, Pin: pin, Status: status}
	if Command(tag) == CmdGetValue && !r.empty() {
		v, err := r.u8()
		if err != nil {
			return nil, errcode.New(op, errcode.ProtocolError, "truncated value", err)
		}
		resp.Value = &v
	}
	if !r.empty() {
		return nil, errcode.New(op, errcode.ProtocolError, "trailing bytes after response", nil)
	}
	return resp, nil
}

// --- minimal little-endian cursor helpers --------------------------------

type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) empty() bool { return r.pos >= len(r.b) }

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.b) {
		return 0, errShort
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, errShort
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, errShort
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.b) {
		return nil, errShort
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

var errShort = fmt.Errorf("truncated payload")

type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{} }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) bytes(v []byte) { w.buf = append(w.buf, v...) }

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) Bytes() []byte { return w.buf }
