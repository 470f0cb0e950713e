// Package wire implements the host-facing command/response framing:
// parsing inbound BLE write commands and encoding outbound ISO-TP
// response notifications. It is stateless and safe for concurrent use,
// mirroring the teacher's cannelloni codec (internal/cnl in the
// go-ampio-server lineage this gateway descends from).
package wire

import (
	"encoding/binary"
	"errors"
)

// Opcodes, as laid out in the wire protocol table.
const (
	OpUploadIsotpChunk     = 0x02
	OpSendIsotpBuffer      = 0x03
	OpStartPeriodic        = 0x04
	OpStopPeriodic         = 0x05
	OpConfigureIsotpFilter = 0x06
)

// ErrInvalidCommand is returned for any opcode other than the five above.
var ErrInvalidCommand = errors.New("wire: invalid command")

// ErrBufferTooSmall is returned when a declared length exceeds the
// bytes actually supplied.
var ErrBufferTooSmall = errors.New("wire: buffer too small")

// Command is implemented by every parsed inbound command. Field
// semantics are validated by the bridge, not here; the codec only
// enforces that declared lengths fit the supplied buffer.
type Command interface{ isCommand() }

// ConfigureIsotpFilter binds a filter_id to a request/reply arbitration
// id pair and an operator-chosen name.
type ConfigureIsotpFilter struct {
	FilterID             uint32
	RequestArbitrationID uint32
	ReplyArbitrationID   uint32
	Name                 []byte
}

// UploadIsotpChunk stages chunk at offset in the bridge's TX buffer.
type UploadIsotpChunk struct {
	Offset      uint16
	ChunkLength uint16
	Chunk       []byte
}

// SendIsotpBuffer triggers transmission of the staged buffer.
type SendIsotpBuffer struct {
	TotalLength uint16
}

// StartPeriodic is parsed but reserved/unimplemented; the bridge logs
// it as unimplemented and takes no action. Payloads is the unparsed remainder of
// the command buffer: the wire layout does not give it a declared
// length, so this gateway (like the firmware it is modeled on) treats
// whatever bytes follow the fixed header as opaque.
type StartPeriodic struct {
	Idx                  uint8
	IntervalMs           uint16
	RequestArbitrationID uint32
	ReplyArbitrationID   uint32
	Count                uint16
	Payloads             []byte
}

// StopPeriodic is parsed but reserved/unimplemented.
type StopPeriodic struct {
	Idx                  uint8
	RequestArbitrationID uint32
	ReplyArbitrationID   uint32
}

func (*ConfigureIsotpFilter) isCommand() {}
func (*UploadIsotpChunk) isCommand()     {}
func (*SendIsotpBuffer) isCommand()      {}
func (*StartPeriodic) isCommand()        {}
func (*StopPeriodic) isCommand()         {}

// Codec parses inbound command frames and encodes outbound response
// frames. It holds no state.
type Codec struct{}

// Parse decodes a single inbound command frame. buf[0] is the opcode;
// the remaining layout depends on the opcode per the wire protocol
// table. No field is validated semantically here beyond fitting the
// supplied buffer — that is the bridge's job.
func (Codec) Parse(buf []byte) (Command, error) {
	if len(buf) < 1 {
		return nil, ErrBufferTooSmall
	}
	op := buf[0]
	rest := buf[1:]
	switch op {
	case OpUploadIsotpChunk:
		if len(rest) < 4 {
			return nil, ErrBufferTooSmall
		}
		offset := binary.BigEndian.Uint16(rest[0:2])
		chunkLen := binary.BigEndian.Uint16(rest[2:4])
		if len(rest) < 4+int(chunkLen) {
			return nil, ErrBufferTooSmall
		}
		chunk := make([]byte, chunkLen)
		copy(chunk, rest[4:4+int(chunkLen)])
		return &UploadIsotpChunk{Offset: offset, ChunkLength: chunkLen, Chunk: chunk}, nil

	case OpSendIsotpBuffer:
		if len(rest) < 2 {
			return nil, ErrBufferTooSmall
		}
		return &SendIsotpBuffer{TotalLength: binary.BigEndian.Uint16(rest[0:2])}, nil

	case OpStartPeriodic:
		const hdr = 1 + 2 + 4 + 4 + 2
		if len(rest) < hdr {
			return nil, ErrBufferTooSmall
		}
		payloads := make([]byte, len(rest)-hdr)
		copy(payloads, rest[hdr:])
		return &StartPeriodic{
			Idx:                  rest[0],
			IntervalMs:           binary.BigEndian.Uint16(rest[1:3]),
			RequestArbitrationID: binary.BigEndian.Uint32(rest[3:7]),
			ReplyArbitrationID:   binary.BigEndian.Uint32(rest[7:11]),
			Count:                binary.BigEndian.Uint16(rest[11:13]),
			Payloads:             payloads,
		}, nil

	case OpStopPeriodic:
		const hdr = 1 + 4 + 4
		if len(rest) < hdr {
			return nil, ErrBufferTooSmall
		}
		return &StopPeriodic{
			Idx:                  rest[0],
			RequestArbitrationID: binary.BigEndian.Uint32(rest[1:5]),
			ReplyArbitrationID:   binary.BigEndian.Uint32(rest[5:9]),
		}, nil

	case OpConfigureIsotpFilter:
		const hdr = 4 + 4 + 4 + 4
		if len(rest) < hdr {
			return nil, ErrBufferTooSmall
		}
		nameLen := binary.BigEndian.Uint32(rest[12:16])
		if len(rest) < hdr+int(nameLen) {
			return nil, ErrBufferTooSmall
		}
		name := make([]byte, nameLen)
		copy(name, rest[hdr:hdr+int(nameLen)])
		return &ConfigureIsotpFilter{
			FilterID:             binary.BigEndian.Uint32(rest[0:4]),
			RequestArbitrationID: binary.BigEndian.Uint32(rest[4:8]),
			ReplyArbitrationID:   binary.BigEndian.Uint32(rest[8:12]),
			Name:                 name,
		}, nil

	default:
		return nil, ErrInvalidCommand
	}
}

// EncodeResponse builds the outbound response frame: the request and
// reply arbitration ids (big-endian u32 each) followed by the PDU.
func (Codec) EncodeResponse(requestArbitrationID, replyArbitrationID uint32, pdu []byte) []byte {
	out := make([]byte, 8+len(pdu))
	binary.BigEndian.PutUint32(out[0:4], requestArbitrationID)
	binary.BigEndian.PutUint32(out[4:8], replyArbitrationID)
	copy(out[8:], pdu)
	return out
}
