// Package can holds the CAN frame type shared by every component that
// touches the bus: the ISO-TP session, the dispatch layer, and the
// bridge that routes frames between them.
package can

// PadByte is the fixed value used to pad transmitted frames out to 8
// bytes, per ISO-15765-2 convention used by this gateway.
const PadByte byte = 0x55

// MaxDLC is the largest payload a classical CAN frame can carry.
const MaxDLC = 8

// Frame is a classical CAN frame: an 11/29-bit arbitration id passed
// through unvalidated, a declared length, and up to 8 data bytes.
// CAN-FD is out of scope; Data is always exactly 8 bytes wide.
type Frame struct {
	ID   uint32
	DLC  uint8
	Data [MaxDLC]byte
}

// New builds a Frame from an id and payload for transmission: short
// payloads are padded with PadByte out to MaxDLC and anything longer
// is truncated, never silently corrupted. Per the data model, every
// frame built by New always carries DLC == MaxDLC, matching the
// invariant that frames sent by the core are always padded to 8 bytes.
func New(id uint32, payload []byte) Frame {
	var f Frame
	f.ID = id
	n := len(payload)
	if n > MaxDLC {
		n = MaxDLC
	}
	copy(f.Data[:n], payload[:n])
	for i := n; i < MaxDLC; i++ {
		f.Data[i] = PadByte
	}
	f.DLC = MaxDLC
	return f
}

// Payload returns the first DLC bytes of Data.
func (f Frame) Payload() []byte {
	if int(f.DLC) > MaxDLC {
		return f.Data[:]
	}
	return f.Data[:f.DLC]
}

// CopyShallow returns a value copy; Frame has no pointers so this is
// really just documentation at call sites that want an explicit copy.
func (f Frame) CopyShallow() Frame { return f }
