// Package candispatch implements the CAN interrupt-to-task dispatch
// layer: an ISR-safe ingress queue, a small filter table, an egress
// channel feeding a single TX worker, and an error-triggered reset
// supervisor. It generalizes the teacher's paired serial/socketcan
// TXWriter (internal/transport.AsyncTx) into one backend-agnostic
// component driven by a pluggable Controller.
package candispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/logging"
	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
)

// FilterTableSize is the append-only filter table capacity.
const FilterTableSize = 8

// IngressQueueSize is the capacity of the ISR-side SPSC queue.
const IngressQueueSize = 32

// EgressQueueSize is the capacity of the TX worker's MPSC channel.
const EgressQueueSize = 16

// EventKind distinguishes ISR notifications.
type EventKind int

const (
	EventRx EventKind = iota
	EventError
)

// Event is what the ISR hands to the ingress queue.
type Event struct {
	Kind  EventKind
	Frame can.Frame
}

// Config is passed to Controller.Setup; its zero value selects backend
// defaults (bitrate, pins, clock are backend-specific and opaque here).
type Config struct {
	Bitrate int
}

// Controller is the external physical-CAN-driver capability: out of
// scope per the spec, modeled as a capability that delivers raw frames
// by callback and accepts frames for transmission.
type Controller interface {
	Setup(Config) error
	Start(cb func(Event)) error
	Stop() error
	TxSlotFree() bool
	Transmit(can.Frame) error
}

var (
	// ErrFilterTableFull is returned when RegisterFilter exceeds capacity.
	ErrFilterTableFull = errors.New("candispatch: filter table full")
	// ErrTxOverflow is returned when the egress channel is full or the
	// Dispatch has been closed.
	ErrTxOverflow = errors.New("candispatch: tx overflow")
	// ErrBadDLC is returned when a frame does not satisfy the
	// post-padding invariant (len == 8) at enqueue time.
	ErrBadDLC = errors.New("candispatch: frame must be 8 bytes")
)

// Dispatch wires one Controller into the ingress/egress/supervisor
// plumbing. It is the shared machinery behind every Controller backend.
type Dispatch struct {
	ctrl Controller
	cfg  Config

	filterMu sync.Mutex
	filters  [FilterTableSize]uint32
	nfilters int

	onMatch func(can.Frame)

	ingress chan Event
	egress  chan can.Frame
	reset   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	txMu   sync.Mutex
	closed bool
}

// New constructs a Dispatch over ctrl, wiring a filter-match callback
// that is invoked (off the ISR) for every RX frame whose id is in the
// filter table.
func New(ctx context.Context, ctrl Controller, cfg Config, onMatch func(can.Frame)) *Dispatch {
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatch{
		ctrl:    ctrl,
		cfg:     cfg,
		onMatch: onMatch,
		ingress: make(chan Event, IngressQueueSize),
		egress:  make(chan can.Frame, EgressQueueSize),
		reset:   make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	return d
}

// Start brings up the controller and the ingress/egress/supervisor
// goroutines. The ISR-facing callback passed to Controller.Start only
// ever pushes onto the bounded ingress channel — it never locks and
// never allocates beyond the channel send itself.
func (d *Dispatch) Start() error {
	if err := d.ctrl.Setup(d.cfg); err != nil {
		return err
	}
	if err := d.ctrl.Start(d.isr); err != nil {
		return err
	}
	d.wg.Add(3)
	go d.ingressLoop()
	go d.egressLoop()
	go d.supervisorLoop()
	return nil
}

// isr is the only code that runs in interrupt context. It must not
// block indefinitely or allocate beyond the channel send; a full
// ingress queue silently drops the event, mirroring a hardware FIFO
// overrun (counted, never a panic).
func (d *Dispatch) isr(ev Event) {
	select {
	case d.ingress <- ev:
	default:
		metrics.IncError(metrics.ErrCANOverflow)
	}
}

func (d *Dispatch) ingressLoop() {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-d.ingress:
			if !ok {
				return
			}
			switch ev.Kind {
			case EventRx:
				metrics.IncCANRx()
				if d.matches(ev.Frame.ID) {
					metrics.IncCANRxMatched()
					if d.onMatch != nil {
						d.onMatch(ev.Frame)
					}
				}
			case EventError:
				select {
				case d.reset <- struct{}{}:
				default:
				}
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatch) matches(id uint32) bool {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	for i := 0; i < d.nfilters; i++ {
		if d.filters[i] == id {
			return true
		}
	}
	return false
}

// RegisterFilter adds id to the filter table. Safe against the ISR
// side because the ISR never touches the table — only the ingress
// worker reads it, under the same mutex writers use.
func (d *Dispatch) RegisterFilter(id uint32) error {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	if d.nfilters >= FilterTableSize {
		return ErrFilterTableFull
	}
	d.filters[d.nfilters] = id
	d.nfilters++
	return nil
}

func (d *Dispatch) egressLoop() {
	defer d.wg.Done()
	for {
		select {
		case fr, ok := <-d.egress:
			if !ok {
				return
			}
			if !d.ctrl.TxSlotFree() {
				metrics.IncCANTxDropped()
				logging.L().Warn("can_tx_dropped", "id", fr.ID)
				continue
			}
			if err := d.ctrl.Transmit(fr); err != nil {
				metrics.IncError(metrics.ErrCANWrite)
				logging.L().Warn("can_tx_error", "id", fr.ID, "error", err)
				continue
			}
			metrics.IncCANTx()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatch) supervisorLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.reset:
			logging.L().Warn("can_controller_reset")
			_ = d.ctrl.Stop()
			if err := d.ctrl.Setup(d.cfg); err != nil {
				logging.L().Error("can_reset_setup_failed", "error", err)
				continue
			}
			if err := d.ctrl.Start(d.isr); err != nil {
				logging.L().Error("can_reset_start_failed", "error", err)
				continue
			}
			metrics.IncCANReset()
		case <-d.ctx.Done():
			return
		}
	}
}

// Transmit enqueues fr for asynchronous transmission. It enforces the
// post-padding invariant (len(data) == 8) and never blocks: a full
// egress channel returns ErrTxOverflow.
func (d *Dispatch) Transmit(fr can.Frame) error {
	if fr.DLC != can.MaxDLC {
		return ErrBadDLC
	}
	d.txMu.Lock()
	closed := d.closed
	d.txMu.Unlock()
	if closed {
		return ErrTxOverflow
	}
	select {
	case d.egress <- fr:
		return nil
	default:
		metrics.IncCANTxDropped()
		return ErrTxOverflow
	}
}

// Close stops the supervisor/ingress/egress goroutines and the
// controller. Safe to call once.
func (d *Dispatch) Close() error {
	d.txMu.Lock()
	if d.closed {
		d.txMu.Unlock()
		return nil
	}
	d.closed = true
	d.txMu.Unlock()
	d.cancel()
	d.wg.Wait()
	return d.ctrl.Stop()
}
