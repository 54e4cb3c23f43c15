package protocol

import (
	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// Chip is the frozen identity established at handshake time (spec.md §3:
// "Created once per bridge lifetime at handshake time; immutable
// thereafter until deinit"). It owns the line table exclusively; lines
// never hold a back-reference to it (spec.md §9: no cyclic chip↔line
// references).
type Chip struct {
	UID   uint64
	Label string
	Names []string
}

// newChip validates a firmware descriptor and, on success, returns the
// frozen Chip it describes (spec.md §4.5: "validate (non-empty label,
// 0 < N ≤ cap, unique labels)"). A validation failure is unrecoverable
// and terminates startup (spec.md §7: "Descriptor validation failure —
// No — Exit 1").
func newChip(d *wire.Descriptor) (*Chip, error) {
	const op = "validate-descriptor"
	if d.ChipLabel == "" {
		return nil, errcode.New(op, errcode.ProtocolError, "empty chip label", nil)
	}
	n := len(d.GPIONames)
	if n == 0 || n > wire.MaxGPIOCap {
		return nil, errcode.New(op, errcode.ProtocolError, "gpio count out of range", nil)
	}
	seen := make(map[string]struct{}, n)
	for _, name := range d.GPIONames {
		if name == "" {
			return nil, errcode.New(op, errcode.ProtocolError, "empty line label", nil)
		}
		if _, dup := seen[name]; dup {
			return nil, errcode.New(op, errcode.ProtocolError, "duplicate line label: "+name, nil)
		}
		seen[name] = struct{}{}
	}
	return &Chip{UID: d.UID, Label: d.ChipLabel, Names: append([]string(nil), d.GPIONames...)}, nil
}
