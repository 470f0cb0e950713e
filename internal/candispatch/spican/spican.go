//go:build linux

// Package spican implements a candispatch.Controller for an
// SPI-attached CAN controller (MCP2515-class), grounded in
// seedhammer-seedhammer's periph.io device access pattern
// (lcd.Open's spireg.Open + spi.Conn, input.Open's GPIO edge watch
// standing in for the controller's interrupt line).
package spican

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
)

// MCP2515 register map (subset used here). Real register-level SPI
// command framing is device-specific; this models the READ/WRITE/RESET
// instruction bytes the controller speaks over SPI.
const (
	insnReset byte = 0xC0
	insnRead  byte = 0x03
	insnWrite byte = 0x02

	regCANINTF byte = 0x2C // interrupt flag register
)

// Controller drives an MCP2515-class CAN controller over SPI, using a
// GPIO interrupt line to know when a frame is pending.
type Controller struct {
	irqPin gpio.PinIn

	mu      sync.Mutex
	conn    spi.Conn
	port    spi.PortCloser
	open    bool
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Controller using irq as the interrupt-line GPIO pin.
// SPI port selection happens in Setup via spireg.Open("").
func New(irq gpio.PinIn) *Controller {
	return &Controller{irqPin: irq}
}

func (c *Controller) Setup(candispatch.Config) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("spican: host init: %w", err)
	}
	p, err := spireg.Open("")
	if err != nil {
		return fmt.Errorf("spican: open spi: %w", err)
	}
	conn, err := p.Connect(10*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return fmt.Errorf("spican: connect: %w", err)
	}
	if err := c.irqPin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		p.Close()
		return fmt.Errorf("spican: irq pin: %w", err)
	}

	c.mu.Lock()
	c.port = p
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	return c.resetController()
}

func (c *Controller) resetController() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	tx := []byte{insnReset}
	rx := make([]byte, len(tx))
	return conn.Tx(tx, rx)
}

// Start watches the interrupt line; each falling edge (a frame pending
// in the controller's RX FIFO) reads the frame out over SPI and hands
// it to cb, exactly as a hardware ISR would.
func (c *Controller) Start(cb func(candispatch.Event)) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("spican: controller not set up")
	}
	c.mu.Unlock()

	c.stop = make(chan struct{})
	c.running.Store(true)
	c.wg.Add(1)
	go c.irqLoop(cb)
	return nil
}

func (c *Controller) irqLoop(cb func(candispatch.Event)) {
	defer c.wg.Done()
	for c.running.Load() {
		const debounce = -1 // wait indefinitely for the next edge
		if !c.irqPin.WaitForEdge(debounce) {
			select {
			case <-c.stop:
				return
			default:
				continue
			}
		}
		f, err := c.readFrame()
		if err != nil {
			cb(candispatch.Event{Kind: candispatch.EventError})
			continue
		}
		cb(candispatch.Event{Kind: candispatch.EventRx, Frame: f})
	}
}

// readFrame pulls one pending frame out of the controller's RX buffer
// registers. The exact register layout is controller-specific; this
// models a 13-byte read (id:4, dlc:1, data:8) starting at the CANINTF
// register address.
func (c *Controller) readFrame() (can.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	tx := make([]byte, 2+4+1+can.MaxDLC)
	tx[0] = insnRead
	tx[1] = regCANINTF
	rx := make([]byte, len(tx))
	if err := conn.Tx(tx, rx); err != nil {
		return can.Frame{}, fmt.Errorf("spican: spi read: %w", err)
	}

	var f can.Frame
	f.ID = binary.BigEndian.Uint32(rx[2:6])
	dlc := rx[6]
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}
	f.DLC = dlc
	copy(f.Data[:], rx[7:7+can.MaxDLC])
	return f, nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.running.Store(false)
	if c.stop != nil {
		close(c.stop)
	}
	port := c.port
	c.open = false
	c.mu.Unlock()

	c.wg.Wait()
	return port.Close()
}

// TxSlotFree reports true unconditionally: the modeled controller does
// not expose a TX-buffer-free status read here (a fuller implementation
// would poll the TXBnCTRL.TXREQ bit over SPI).
func (c *Controller) TxSlotFree() bool { return true }

func (c *Controller) Transmit(fr can.Frame) error {
	c.mu.Lock()
	conn := c.conn
	open := c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("spican: controller not started")
	}
	tx := make([]byte, 2+4+1+can.MaxDLC)
	tx[0] = insnWrite
	tx[1] = 0x00 // TX buffer base register
	binary.BigEndian.PutUint32(tx[2:6], fr.ID)
	tx[6] = fr.DLC
	copy(tx[7:7+can.MaxDLC], fr.Data[:])
	rx := make([]byte, len(tx))
	return conn.Tx(tx, rx)
}
