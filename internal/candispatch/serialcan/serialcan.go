// Package serialcan implements a candispatch.Controller over a
// UART-attached CAN transceiver, for bench rigs where the MCU's CAN
// pins are bridged over USB-UART. Grounded in the teacher's
// internal/serial (port.go's Port abstraction over tarm/serial,
// codec.go's framed UART protocol).
package serialcan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tarmserial "github.com/tarm/serial"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
)

// Port abstracts tarm/serial for testability, exactly like the
// teacher's internal/serial.Port.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is a hook for tests, mirroring the teacher's openSerialPort.
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &tarmserial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return tarmserial.OpenPort(cfg)
}

const (
	preamble0 = 0x2D
	preamble1 = 0xD4
	// frame: preamble(2) id(4) dlc(1) data(8) checksum(1)
	frameLen = 2 + 4 + 1 + can.MaxDLC + 1
)

// Controller is a candispatch.Controller over a serial CAN transceiver.
type Controller struct {
	device string
	baud   int

	mu      sync.Mutex
	port    Port
	open    bool
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Controller for the named serial device at baud.
func New(device string, baud int) *Controller {
	return &Controller{device: device, baud: baud}
}

func (c *Controller) Setup(candispatch.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := openPort(c.device, c.baud, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("serialcan: open %s: %w", c.device, err)
	}
	c.port = p
	c.open = true
	return nil
}

func (c *Controller) Start(cb func(candispatch.Event)) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("serialcan: controller not set up")
	}
	port := c.port
	c.mu.Unlock()

	c.stop = make(chan struct{})
	c.running.Store(true)
	c.wg.Add(1)
	go c.rxLoop(port, cb)
	return nil
}

func (c *Controller) rxLoop(port Port, cb func(candispatch.Event)) {
	defer c.wg.Done()
	buf := make([]byte, 256)
	acc := bytes.NewBuffer(nil)
	for c.running.Load() {
		n, err := port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			decodeStream(acc, func(f can.Frame) {
				cb(candispatch.Event{Kind: candispatch.EventRx, Frame: f})
			})
		}
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			cb(candispatch.Event{Kind: candispatch.EventError})
		}
	}
}

// decodeStream extracts complete frames from acc, resyncing on the
// 2-byte preamble exactly like the teacher's serial.Codec.DecodeStream.
func decodeStream(acc *bytes.Buffer, out func(can.Frame)) {
	header := []byte{preamble0, preamble1}
	for {
		data := acc.Bytes()
		if len(data) < frameLen {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			if acc.Len() > 1 {
				last := data[len(data)-1]
				acc.Reset()
				_ = acc.WriteByte(last)
			}
			return
		}
		if i > 0 {
			acc.Next(i)
			continue
		}
		if len(data) < frameLen {
			return
		}
		sum := byte(preamble0) + byte(preamble1)
		for _, b := range data[2 : frameLen-1] {
			sum += b
		}
		if sum != data[frameLen-1] {
			acc.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[2:6])
		dlc := data[6]
		if dlc > can.MaxDLC {
			dlc = can.MaxDLC
		}
		var f can.Frame
		f.ID = id
		f.DLC = dlc
		copy(f.Data[:], data[7:7+can.MaxDLC])
		out(f)
		acc.Next(frameLen)
	}
}

// encodeFrame builds the wire representation written by Transmit.
func encodeFrame(f can.Frame) []byte {
	buf := make([]byte, frameLen)
	buf[0] = preamble0
	buf[1] = preamble1
	binary.BigEndian.PutUint32(buf[2:6], f.ID)
	buf[6] = f.DLC
	copy(buf[7:7+can.MaxDLC], f.Data[:])
	sum := byte(preamble0) + byte(preamble1)
	for _, b := range buf[2 : frameLen-1] {
		sum += b
	}
	buf[frameLen-1] = sum
	return buf
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
	err := c.port.Close()
	c.open = false
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

// TxSlotFree reports true unconditionally: writes to a serial port
// block rather than expose a slot-availability query.
func (c *Controller) TxSlotFree() bool { return true }

func (c *Controller) Transmit(fr can.Frame) error {
	c.mu.Lock()
	port := c.port
	open := c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("serialcan: controller not started")
	}
	_, err := port.Write(encodeFrame(fr))
	return err
}
