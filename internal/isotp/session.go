// Package isotp implements the per-(request_id, reply_id) ISO-15765-2
// transport state machine: single/first/consecutive/flow-control frame
// handling, segmentation, reassembly, and STmin/block-size pacing.
//
// A Session's rx half and tx half run independently and may be driven
// from different goroutines (CAN rx delivery vs. a bridge-triggered
// send); all shared state is behind Session's own mutex, and the
// blocking parts of Send (STmin sleeps, waiting for Flow Control) never
// hold that mutex.
package isotp

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/logging"
	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
)

// PCI frame types (upper nibble of byte 0).
const (
	frameTypeSF = 0x0
	frameTypeFF = 0x1
	frameTypeCF = 0x2
	frameTypeFC = 0x3
)

// Flow-status values carried by a Flow Control frame.
const (
	FlowContinueToSend byte = 0x0
	FlowWait           byte = 0x1
	FlowOverflow       byte = 0x2
)

const (
	sfMaxLen  = 7
	cfMaxLen  = 7
	ffMinLen  = 8
	maxRxLen  = 4095 // MAX_TX_BUFFER_SIZE minus the 8-byte id header lives one layer up; this is ISO-TP's own 12-bit length cap
	maxTxLen  = 4095

	// DefaultSTMin and DefaultBlockSize are the session's creation-time
	// defaults, per the data model: st_min = 10ms, block_size = 0 ("send
	// all"). They are also what this gateway uses to build the Flow
	// Control frame it sends upon receiving a First Frame.
	DefaultSTMin     = 0x0A
	DefaultBlockSize = 0x00

	// DefaultWatchdog aborts an in-flight rx reassembly or a tx wait-for-
	// flow-control if no progress is made within this window. Not part of
	// ISO-15765-2's N_Bs/N_Cr timers proper, but the minimal policy this
	// gateway implements per its design notes.
	DefaultWatchdog = 1000 * time.Millisecond
)

var (
	// ErrBusy is returned by Send when a transmission is already in flight.
	ErrBusy = errors.New("isotp: session busy")
	// ErrPDUTooLarge is returned by Send when the PDU exceeds maxTxLen.
	ErrPDUTooLarge = errors.New("isotp: pdu exceeds maximum length")
	// ErrFlowControlOverflow is returned when the peer signals Overflow.
	ErrFlowControlOverflow = errors.New("isotp: received flow control overflow")
	// ErrWatchdogTimeout is returned when no flow control arrives in time.
	ErrWatchdogTimeout = errors.New("isotp: timed out waiting for flow control")
)

// Transmitter sends one fully-built CAN frame. Implemented by the CAN
// dispatch layer's egress path.
type Transmitter interface {
	Transmit(can.Frame) error
}

// ReassembledFunc is invoked once per completed reception (SF, or FF+CFs).
type ReassembledFunc func(requestArbitrationID, replyArbitrationID uint32, pdu []byte)

// sleepFn is swappable so tests can run STmin pacing without real delays.
var sleepFn = time.Sleep

type fcEvent struct {
	status byte
	bs     byte
	stMin  byte
}

// Session is one ISO-TP transport instance bound to a request/reply
// arbitration id pair, as created by a bridge filter configuration.
type Session struct {
	RequestArbitrationID uint32
	ReplyArbitrationID   uint32

	transmitter   Transmitter
	onReassembled ReassembledFunc
	watchdog      time.Duration

	mu sync.Mutex

	// rx half
	rxActive       bool
	rxBuf          []byte
	expectedLength int
	expectedSeq    uint8
	rxTimer        *time.Timer

	// tx-side defaults used to build the FC frame sent on FF reception.
	fcBlockSize byte
	fcSTMin     byte

	// tx half rendezvous with HandleFrame for incoming FC frames.
	txWaiting bool
	fcCh      chan fcEvent

	txMu sync.Mutex // serializes Send calls; held for the whole transmission
}

// NewSession creates a session with the spec's creation-time defaults.
func NewSession(requestArbitrationID, replyArbitrationID uint32, tx Transmitter, onReassembled ReassembledFunc) *Session {
	return &Session{
		RequestArbitrationID: requestArbitrationID,
		ReplyArbitrationID:   replyArbitrationID,
		transmitter:          tx,
		onReassembled:        onReassembled,
		watchdog:             DefaultWatchdog,
		fcBlockSize:          DefaultBlockSize,
		fcSTMin:              DefaultSTMin,
	}
}

// stMinDuration maps a wire STmin byte to a sleep duration. Values
// 0x00-0x7F are milliseconds. 0xF1-0xF9 are the 100-900us encoding;
// this gateway's cooperative/millisecond scheduler rounds them up to
// 1ms (see DESIGN.md for the rationale). Reserved values are treated as
// no additional delay.
func stMinDuration(raw byte) time.Duration {
	switch {
	case raw <= 0x7F:
		return time.Duration(raw) * time.Millisecond
	case raw >= 0xF1 && raw <= 0xF9:
		return time.Millisecond
	default:
		return 0
	}
}

// HandleFrame routes one received CAN frame to the appropriate PCI
// handler. Frames with DLC=0 are ignored per the data model.
func (s *Session) HandleFrame(f can.Frame) {
	if f.DLC == 0 {
		return
	}
	data := f.Payload()
	switch data[0] >> 4 {
	case frameTypeSF:
		s.handleSF(data)
	case frameTypeFF:
		s.handleFF(data)
	case frameTypeCF:
		s.handleCF(data)
	case frameTypeFC:
		s.handleFC(data)
	default:
		logging.L().Debug("isotp_unknown_frame_type", "request_id", s.RequestArbitrationID, "byte0", data[0])
	}
}

func (s *Session) handleSF(data []byte) {
	length := int(data[0] & 0x0F)
	if length < 1 || length > sfMaxLen || length > len(data)-1 {
		logging.L().Debug("isotp_sf_drop", "request_id", s.RequestArbitrationID, "length", length)
		return
	}
	pdu := make([]byte, length)
	copy(pdu, data[1:1+length])

	s.mu.Lock()
	s.abortRxLocked()
	s.mu.Unlock()

	metrics.IsotpSF.Inc()
	s.onReassembled(s.RequestArbitrationID, s.ReplyArbitrationID, pdu)
}

func (s *Session) handleFF(data []byte) {
	if len(data) < ffMinLen {
		logging.L().Debug("isotp_ff_short", "request_id", s.RequestArbitrationID, "len", len(data))
		return
	}
	total := (int(data[0]&0x0F) << 8) | int(data[1])
	if total < ffMinLen || total > maxRxLen {
		logging.L().Debug("isotp_ff_invalid_length", "request_id", s.RequestArbitrationID, "total", total)
		return
	}

	s.mu.Lock()
	s.abortRxLocked()
	s.rxBuf = append(s.rxBuf[:0], data[2:8]...)
	s.expectedLength = total
	s.expectedSeq = 1
	s.rxActive = true
	s.rxTimer = time.AfterFunc(s.watchdog, s.rxWatchdogFired)
	fcBS, fcST := s.fcBlockSize, s.fcSTMin
	s.mu.Unlock()

	metrics.IsotpFF.Inc()

	fc := make([]byte, 8)
	fc[0] = 0x30 | FlowContinueToSend
	fc[1] = fcBS
	fc[2] = fcST
	for i := 3; i < 8; i++ {
		fc[i] = can.PadByte
	}
	if err := s.transmitter.Transmit(can.New(s.RequestArbitrationID, fc)); err != nil {
		logging.L().Warn("isotp_fc_send_failed", "request_id", s.RequestArbitrationID, "error", err)
	}
	metrics.IsotpFC.Inc()
}

func (s *Session) handleCF(data []byte) {
	sn := data[0] & 0x0F

	s.mu.Lock()
	if !s.rxActive {
		s.mu.Unlock()
		logging.L().Debug("isotp_cf_no_reassembly", "request_id", s.RequestArbitrationID)
		return
	}
	if sn != s.expectedSeq {
		s.abortRxLocked()
		s.mu.Unlock()
		logging.L().Warn("isotp_cf_sequence_mismatch", "request_id", s.RequestArbitrationID, "expected", s.expectedSeq, "got", sn)
		return
	}
	payload := data[1:]
	s.rxBuf = append(s.rxBuf, payload...)
	s.expectedSeq = (sn + 1) & 0x0F
	if s.rxTimer != nil {
		s.rxTimer.Reset(s.watchdog)
	}

	if len(s.rxBuf) >= s.expectedLength {
		pdu := make([]byte, s.expectedLength)
		copy(pdu, s.rxBuf[:s.expectedLength])
		s.rxActive = false
		if s.rxTimer != nil {
			s.rxTimer.Stop()
		}
		s.mu.Unlock()
		metrics.IsotpCF.Inc()
		s.onReassembled(s.RequestArbitrationID, s.ReplyArbitrationID, pdu)
		return
	}
	s.mu.Unlock()
	metrics.IsotpCF.Inc()
}

func (s *Session) handleFC(data []byte) {
	if len(data) < 3 {
		logging.L().Debug("isotp_fc_short", "request_id", s.RequestArbitrationID)
		return
	}
	ev := fcEvent{status: data[0] & 0x0F, bs: data[1], stMin: data[2]}

	s.mu.Lock()
	if !s.txWaiting {
		s.mu.Unlock()
		metrics.IsotpFC.Inc()
		logging.L().Debug("isotp_fc_unexpected", "request_id", s.RequestArbitrationID)
		return
	}
	select {
	case <-s.fcCh:
	default:
	}
	s.fcCh <- ev
	s.mu.Unlock()
	metrics.IsotpFC.Inc()
}

// abortRxLocked clears any in-flight reassembly. Caller holds s.mu.
func (s *Session) abortRxLocked() {
	if s.rxActive {
		metrics.IsotpReassemblyAborted.Inc()
	}
	s.rxActive = false
	if s.rxTimer != nil {
		s.rxTimer.Stop()
		s.rxTimer = nil
	}
	s.rxBuf = s.rxBuf[:0]
}

func (s *Session) rxWatchdogFired() {
	s.mu.Lock()
	if !s.rxActive {
		s.mu.Unlock()
		return
	}
	s.rxActive = false
	s.rxBuf = s.rxBuf[:0]
	s.mu.Unlock()
	metrics.IsotpReassemblyAborted.Inc()
	metrics.IsotpWatchdogAborts.Inc()
	logging.L().Warn("isotp_rx_watchdog_abort", "request_id", s.RequestArbitrationID, "reply_id", s.ReplyArbitrationID)
}

// Send segments and transmits pdu, blocking for the whole transfer
// (STmin pacing and any Flow Control waits included). Callers must not
// hold any other lock (in particular a bridge-wide mutex) while this
// runs; see DESIGN.md's note on outbound path re-entrancy.
func (s *Session) Send(pdu []byte) error {
	if len(pdu) > maxTxLen {
		return ErrPDUTooLarge
	}
	if !s.txMu.TryLock() {
		return ErrBusy
	}
	defer s.txMu.Unlock()

	if len(pdu) <= sfMaxLen {
		frame := make([]byte, 1+len(pdu))
		frame[0] = byte(len(pdu))
		copy(frame[1:], pdu)
		metrics.IsotpSF.Inc()
		return s.transmit(can.New(s.RequestArbitrationID, frame))
	}
	return s.sendMultiFrame(pdu)
}

func (s *Session) sendMultiFrame(pdu []byte) error {
	total := len(pdu)
	ff := make([]byte, 8)
	ff[0] = 0x10 | byte((total>>8)&0x0F)
	ff[1] = byte(total)
	copy(ff[2:8], pdu[0:6])
	metrics.IsotpFF.Inc()
	if err := s.transmit(can.New(s.RequestArbitrationID, ff)); err != nil {
		return err
	}

	remaining := pdu[6:]
	seq := uint8(1)
	idx := 0
	for idx < len(remaining) {
		ev, err := s.waitFlowControl()
		if err != nil {
			return err
		}
		credit := ev.bs // 0 means unlimited for this window
		for idx < len(remaining) {
			if ev.bs != 0 && credit == 0 {
				break // block exhausted; go back and wait for another FC
			}
			if d := stMinDuration(ev.stMin); d > 0 {
				sleepFn(d)
			}
			n := cfMaxLen
			if rest := len(remaining) - idx; rest < n {
				n = rest
			}
			payload := make([]byte, 1+n)
			payload[0] = 0x20 | (seq & 0x0F)
			copy(payload[1:], remaining[idx:idx+n])
			if err := s.transmit(can.New(s.RequestArbitrationID, payload)); err != nil {
				return err
			}
			metrics.IsotpCF.Inc()
			idx += n
			seq = (seq + 1) & 0x0F
			if ev.bs != 0 {
				credit--
			}
		}
	}
	return nil
}

// waitFlowControl blocks until a usable Flow Control arrives (looping
// past Wait statuses), or returns an error on Overflow or watchdog
// timeout.
func (s *Session) waitFlowControl() (fcEvent, error) {
	for {
		ch := make(chan fcEvent, 1)
		s.mu.Lock()
		s.txWaiting = true
		s.fcCh = ch
		s.mu.Unlock()

		timer := time.NewTimer(s.watchdog)
		select {
		case ev := <-ch:
			timer.Stop()
			s.mu.Lock()
			s.txWaiting = false
			s.mu.Unlock()
			switch ev.status {
			case FlowContinueToSend:
				return ev, nil
			case FlowWait:
				continue
			case FlowOverflow:
				return fcEvent{}, ErrFlowControlOverflow
			default:
				logging.L().Debug("isotp_fc_unknown_status", "request_id", s.RequestArbitrationID, "status", ev.status)
				continue
			}
		case <-timer.C:
			s.mu.Lock()
			s.txWaiting = false
			s.mu.Unlock()
			metrics.IsotpWatchdogAborts.Inc()
			return fcEvent{}, ErrWatchdogTimeout
		}
	}
}

func (s *Session) transmit(f can.Frame) error {
	return s.transmitter.Transmit(f)
}
