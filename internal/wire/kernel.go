package wire

import (
	"bytes"
	"fmt"

	"github.com/mdlayher/netlink"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
)

// Attribute identifiers for the CPC_GPIO_GENL generic-netlink family
// (spec.md §6.1). Values are fixed by this implementation; they are not
// negotiated.
const (
	AttrStatus Attribute = iota + 1
	AttrMessage
	AttrVersionMajor
	AttrVersionMinor
	AttrVersionPatch
	AttrUniqueID
	AttrChipLabel
	AttrGPIOCount
	AttrGPIONames
	AttrGPIOPin
	AttrGPIOValue
	AttrGPIOConfig
	AttrGPIODirection
)

// Attribute is a generic-netlink attribute type identifier.
type Attribute uint16

// FamilyName is the generic-netlink family the kernel GPIO driver
// registers.
const FamilyName = "CPC_GPIO_GENL"

// FamilyVersion is the family version this implementation speaks.
const FamilyVersion = 1

// MulticastGroupAll addresses every peer on the family's multicast group
// (spec.md §6.1: "Multicast UID = 0 addresses all peers").
const MulticastGroupAll uint64 = 0

// Attrs is the decoded form of a generic-netlink attribute table. Pointer
// fields are nil when the attribute was absent; callers check presence
// per the table in spec.md §6.1 ("Presence" column) for the command they
// are handling.
type Attrs struct {
	Status        *uint32
	Message       *string
	VersionMajor  *uint8
	VersionMinor  *uint8
	VersionPatch  *uint8
	UniqueID      *uint64
	ChipLabel     *string
	GPIOCount     *uint32
	GPIONamesRaw  []byte // concatenated NUL-terminated strings; split with SplitNames
	GPIOPin       *uint32
	GPIOValue     *uint32
	GPIOConfig    *uint32
	GPIODirection *uint32
}

// DecodeAttrs parses a generic-netlink message body into Attrs. A
// malformed attribute stream is an errcode.ProtocolError.
func DecodeAttrs(data []byte) (*Attrs, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return nil, errcode.New("decode-attrs", errcode.ProtocolError, err.Error(), err)
	}

	a := &Attrs{}
	for ad.Next() {
		switch Attribute(ad.Type()) {
		case AttrStatus:
			v := ad.Uint32()
			a.Status = &v
		case AttrMessage:
			v := ad.String()
			a.Message = &v
		case AttrVersionMajor:
			v := ad.Uint8()
			a.VersionMajor = &v
		case AttrVersionMinor:
			v := ad.Uint8()
			a.VersionMinor = &v
		case AttrVersionPatch:
			v := ad.Uint8()
			a.VersionPatch = &v
		case AttrUniqueID:
			v := ad.Uint64()
			a.UniqueID = &v
		case AttrChipLabel:
			v := ad.String()
			a.ChipLabel = &v
		case AttrGPIOCount:
			v := ad.Uint32()
			a.GPIOCount = &v
		case AttrGPIONames:
			a.GPIONamesRaw = append([]byte(nil), ad.Bytes()...)
		case AttrGPIOPin:
			v := ad.Uint32()
			a.GPIOPin = &v
		case AttrGPIOValue:
			v := ad.Uint32()
			a.GPIOValue = &v
		case AttrGPIOConfig:
			v := ad.Uint32()
			a.GPIOConfig = &v
		case AttrGPIODirection:
			v := ad.Uint32()
			a.GPIODirection = &v
		}
	}
	if err := ad.Err(); err != nil {
		return nil, errcode.New("decode-attrs", errcode.ProtocolError, err.Error(), err)
	}
	return a, nil
}

// SplitNames splits a GPIO_NAMES attribute's concatenated NUL-terminated
// strings into count names. A name that is empty, or a total count that
// does not match count, is rejected as a protocol error (spec.md §4.5
// descriptor validation: "non-empty label ... unique labels").
func SplitNames(raw []byte, count uint32) ([]string, error) {
	names := make([]string, 0, count)
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(raw) > 0 {
		for _, part := range bytes.Split(raw, []byte{0}) {
			if len(part) == 0 {
				return nil, errcode.New("split-names", errcode.ProtocolError, "empty name", nil)
			}
			names = append(names, string(part))
		}
	}
	if uint32(len(names)) != count {
		return nil, errcode.New("split-names", errcode.ProtocolError,
			fmt.Sprintf("got %d names, want %d", len(names), count), nil)
	}
	return names, nil
}

// EncodeNames is the inverse of SplitNames: it concatenates names into
// the NUL-terminated-strings blob GPIO_NAMES carries on the wire.
func EncodeNames(names []string) []byte {
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// EncodeInitReply builds the attribute body for the unicast INIT reply
// sent to the driver port that requested it (spec.md §9 open question:
// this is distinct from, and sent in addition to, EncodeInitAdvertise).
func EncodeInitReply(uid uint64, status errcode.Status) ([]byte, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(uint16(AttrStatus), uint32(status))
	e.Uint64(uint16(AttrUniqueID), uid)
	return encode(e)
}

// EncodeInitAdvertise builds the attribute body for the bridge→driver
// multicast advertising the new chip (spec.md §4.5: "emit a driver INIT
// command (multicast) carrying (uid, chip-label, pin-count, pin-names)").
func EncodeInitAdvertise(uid uint64, label string, names []string) ([]byte, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(uint16(AttrStatus), uint32(errcode.StatusOK))
	e.Uint64(uint16(AttrUniqueID), uid)
	e.String(uint16(AttrChipLabel), label)
	e.Uint32(uint16(AttrGPIOCount), uint32(len(names)))
	e.Bytes(uint16(AttrGPIONames), EncodeNames(names))
	return encode(e)
}

// EncodeDeinitReply builds the attribute body for a DEINIT reply,
// carrying the bridge's protocol version (spec.md §6.1: "VERSION_MAJOR/
// MINOR/PATCH ... DEINIT reply").
func EncodeDeinitReply(uid uint64, status errcode.Status, major, minor, patch uint8) ([]byte, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(uint16(AttrStatus), uint32(status))
	e.Uint64(uint16(AttrUniqueID), uid)
	e.Uint8(uint16(AttrVersionMajor), major)
	e.Uint8(uint16(AttrVersionMinor), minor)
	e.Uint8(uint16(AttrVersionPatch), patch)
	return encode(e)
}

// EncodePinReply builds the attribute body for a per-pin operation reply.
// value is non-nil only for a successful GET_VALUE (spec.md §6.1: GPIO_VALUE
// present on "GET_VALUE reply on success").
func EncodePinReply(uid uint64, pin uint32, status errcode.Status, value *uint32) ([]byte, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(uint16(AttrStatus), uint32(status))
	e.Uint64(uint16(AttrUniqueID), uid)
	e.Uint32(uint16(AttrGPIOPin), pin)
	if value != nil {
		e.Uint32(uint16(AttrGPIOValue), *value)
	}
	return encode(e)
}

// EncodeExitNotify builds the attribute body for the bridge's best-effort
// EXIT notification sent to the driver on unrecoverable failure
// (spec.md §4.5 Failure propagation).
func EncodeExitNotify(uid uint64, message string) ([]byte, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(uint16(AttrStatus), uint32(errcode.StatusBrokenPipe))
	e.Uint64(uint16(AttrUniqueID), uid)
	if message != "" {
		e.String(uint16(AttrMessage), message)
	}
	return encode(e)
}

func encode(e *netlink.AttributeEncoder) ([]byte, error) {
	b, err := e.Encode()
	if err != nil {
		return nil, errcode.New("encode-attrs", errcode.ProtocolError, err.Error(), err)
	}
	return b, nil
}
