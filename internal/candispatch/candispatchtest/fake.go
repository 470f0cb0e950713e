// Package candispatchtest provides a fake candispatch.Controller for use
// by tests (internal/candispatch's own), in place of a real CAN
// transceiver.
package candispatchtest

import (
	"sync"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
)

// Controller is a fake candispatch.Controller. Inject() simulates the
// ISR delivering a frame or error notification; TX sent through
// Transmit is recorded for assertions.
type Controller struct {
	mu        sync.Mutex
	cb        func(candispatch.Event)
	started   bool
	slotsFree int // -1 means always free
	sent      []can.Frame
	cfg       candispatch.Config
	setups    int
	stops     int
}

// New creates a fake Controller. slotsFree of -1 means TxSlotFree
// always returns true; a positive count decrements on each Transmit,
// and at 0 TxSlotFree reports false (raise it again with SetSlotsFree).
func New(slotsFree int) *Controller {
	return &Controller{slotsFree: slotsFree}
}

func (c *Controller) Setup(cfg candispatch.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.setups++
	return nil
}

func (c *Controller) Start(cb func(candispatch.Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	c.started = true
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.stops++
	return nil
}

func (c *Controller) TxSlotFree() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotsFree != 0
}

func (c *Controller) Transmit(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slotsFree > 0 {
		c.slotsFree--
	}
	c.sent = append(c.sent, fr)
	return nil
}

// Inject simulates the ISR firing with ev.
func (c *Controller) Inject(ev candispatch.Event) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// SetSlotsFree adjusts the simulated TX slot count.
func (c *Controller) SetSlotsFree(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotsFree = n
}

// Sent returns a snapshot of frames handed to Transmit.
func (c *Controller) Sent() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]can.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// Setups returns how many times Setup was called (for reset assertions).
func (c *Controller) Setups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setups
}
