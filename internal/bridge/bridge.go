// Package bridge implements the filter/session registry and the TX
// staging buffer that together route BLE commands to ISO-TP sessions
// and ISO-TP responses back out to BLE notifications. It is the
// multiplexer between one GATT link and several simultaneous ISO-TP
// sessions sharing one CAN peripheral.
package bridge

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/isotp"
	"github.com/kstaniek/isotp-ble-gateway/internal/logging"
	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
	"github.com/kstaniek/isotp-ble-gateway/internal/wire"
)

// MaxSessions is the registry's minimum required capacity.
const MaxSessions = 4

// MaxTxBufferSize bounds the shared TX staging buffer.
const MaxTxBufferSize = 4096

// Sentinel errors, classified by callers via errors.Is and mapped to
// metrics labels by errToMetric.
var (
	ErrFilterAlreadyExists  = errors.New("bridge: filter already exists")
	ErrFailedToInsertFilter = errors.New("bridge: failed to insert filter")
	ErrInvalidOffset        = errors.New("bridge: invalid offset")
	ErrInvalidPayloadLength = errors.New("bridge: invalid payload length")
	ErrFilterNotFound       = errors.New("bridge: filter not found")
	ErrFailedToSendMessage  = errors.New("bridge: failed to send message")
)

func errToMetric(err error) string {
	switch {
	case errors.Is(err, ErrFilterAlreadyExists):
		return metrics.ErrFilterAlreadyExists
	case errors.Is(err, ErrFailedToInsertFilter):
		return metrics.ErrFailedToInsertFilter
	case errors.Is(err, ErrInvalidOffset):
		return metrics.ErrInvalidOffset
	case errors.Is(err, ErrInvalidPayloadLength):
		return metrics.ErrInvalidPayloadLength
	case errors.Is(err, ErrFilterNotFound):
		return metrics.ErrFilterNotFound
	case errors.Is(err, ErrFailedToSendMessage):
		return metrics.ErrFailedToSendMessage
	default:
		return "other"
	}
}

// FilterRegistrar is the C3 capability the bridge needs: register a
// reply arbitration id so matching CAN frames are forwarded here.
type FilterRegistrar interface {
	RegisterFilter(replyArbitrationID uint32) error
}

// Transmitter is the C3 capability used to actually put frames on the
// wire, handed to each Session.
type Transmitter interface {
	Transmit(can.Frame) error
}

// ResponseFunc is invoked with an encoded outbound response frame
// (C1's EncodeResponse output), for C5 to notify.
type ResponseFunc func(frame []byte)

// Bridge owns the session registry and the TX staging buffer behind
// one mutex. Per the outbound-path re-entrancy fix, the mutex is never
// held across a blocking Session.Send: the PDU is copied out of the
// staging buffer and its session looked up under the lock, the lock is
// released, and Send (which builds and transmits the frames) runs
// outside it.
type Bridge struct {
	mu       sync.Mutex
	sessions map[uint32]*isotp.Session // keyed by filter_id; routing uses a linear scan (see Deliver)
	staging  []byte

	registrar FilterRegistrar
	tx        Transmitter
	onRespond ResponseFunc
	codec     wire.Codec
}

// New constructs an empty Bridge.
func New(registrar FilterRegistrar, tx Transmitter, onRespond ResponseFunc) *Bridge {
	return &Bridge{
		sessions:  make(map[uint32]*isotp.Session),
		registrar: registrar,
		tx:        tx,
		onRespond: onRespond,
	}
}

// reassembled is passed to every Session as its onReassembled callback.
// It only builds the frame and hands it to the façade; the BLE
// peripheral adapter (bleperiph) counts metrics.BLENotify once the frame
// is actually written to the notify characteristic, not here.
func (b *Bridge) reassembled(requestArbitrationID, replyArbitrationID uint32, pdu []byte) {
	frame := b.codec.EncodeResponse(requestArbitrationID, replyArbitrationID, pdu)
	if b.onRespond != nil {
		b.onRespond(frame)
	}
}

// HandleCommand dispatches a parsed wire.Command. Command errors are
// logged and counted; per spec.md §7 no response notification is sent
// for them.
func (b *Bridge) HandleCommand(cmd wire.Command) {
	var err error
	switch c := cmd.(type) {
	case *wire.ConfigureIsotpFilter:
		err = b.configureIsotpFilter(c)
	case *wire.UploadIsotpChunk:
		err = b.uploadIsotpChunk(c)
	case *wire.SendIsotpBuffer:
		err = b.sendIsotpBuffer(c)
	case *wire.StartPeriodic, *wire.StopPeriodic:
		logging.L().Debug("bridge_periodic_unimplemented")
		return
	default:
		return
	}
	if err != nil {
		metrics.IncBridgeCommandError(errToMetric(err))
		logging.L().Warn("bridge_command_error", "error", err)
	}
}

func (b *Bridge) configureIsotpFilter(c *wire.ConfigureIsotpFilter) error {
	b.mu.Lock()
	if _, exists := b.sessions[c.FilterID]; exists {
		b.mu.Unlock()
		return ErrFilterAlreadyExists
	}
	if len(b.sessions) >= MaxSessions {
		b.mu.Unlock()
		return ErrFailedToInsertFilter
	}
	b.mu.Unlock()

	if err := b.registrar.RegisterFilter(c.ReplyArbitrationID); err != nil {
		return ErrFailedToInsertFilter
	}

	session := isotp.NewSession(c.RequestArbitrationID, c.ReplyArbitrationID, b.tx, b.reassembled)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.sessions[c.FilterID]; exists {
		return ErrFilterAlreadyExists
	}
	if len(b.sessions) >= MaxSessions {
		return ErrFailedToInsertFilter
	}
	b.sessions[c.FilterID] = session
	metrics.SetSessionsActive(len(b.sessions))
	return nil
}

func (b *Bridge) uploadIsotpChunk(c *wire.UploadIsotpChunk) error {
	offset := int(c.Offset)
	chunkLen := int(c.ChunkLength)
	if offset+chunkLen > MaxTxBufferSize {
		return ErrInvalidOffset
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	need := offset + chunkLen
	if need > len(b.staging) {
		grown := make([]byte, need)
		copy(grown, b.staging)
		b.staging = grown
	}
	copy(b.staging[offset:offset+chunkLen], c.Chunk)
	return nil
}

func (b *Bridge) sendIsotpBuffer(c *wire.SendIsotpBuffer) error {
	b.mu.Lock()
	total := int(c.TotalLength)
	if total < 8 || total > len(b.staging) {
		b.mu.Unlock()
		return ErrInvalidPayloadLength
	}
	requestArbitrationID := binary.BigEndian.Uint32(b.staging[0:4])
	replyArbitrationID := binary.BigEndian.Uint32(b.staging[4:8])
	pdu := make([]byte, total-8)
	copy(pdu, b.staging[8:total])

	var session *isotp.Session
	for _, s := range b.sessions {
		if s.RequestArbitrationID == requestArbitrationID && s.ReplyArbitrationID == replyArbitrationID {
			session = s
			break
		}
	}
	b.mu.Unlock()

	if session == nil {
		return ErrFilterNotFound
	}

	// Frame assembly happens inside Session.Send, outside the bridge
	// mutex: Send may block on STmin pacing or a Flow Control wait, and
	// must never be called while holding b.mu (see DESIGN.md's note on
	// outbound path re-entrancy).
	if err := session.Send(pdu); err != nil {
		return ErrFailedToSendMessage
	}

	b.mu.Lock()
	b.staging = b.staging[:0]
	b.mu.Unlock()
	return nil
}

// Deliver routes an incoming CAN frame to every session for which the
// frame's id matches either the request or reply arbitration id. A
// linear scan over the registry is correct and adequate given the
// small session count (capacity >= 4) this bridge supports.
func (b *Bridge) Deliver(f can.Frame) {
	b.mu.Lock()
	matches := make([]*isotp.Session, 0, 1)
	for _, s := range b.sessions {
		if s.RequestArbitrationID == f.ID || s.ReplyArbitrationID == f.ID {
			matches = append(matches, s)
		}
	}
	b.mu.Unlock()
	for _, s := range matches {
		s.HandleFrame(f)
	}
}
