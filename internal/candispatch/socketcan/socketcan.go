//go:build linux

// Package socketcan implements a candispatch.Controller over a Linux
// SocketCAN raw socket, adapted from the teacher's
// internal/socketcan.Device: same socket/bind/read/write shape, now
// speaking candispatch's Event callback instead of driving its own
// TXWriter/AsyncTx (candispatch owns that plumbing generically).
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
)

// Controller is a candispatch.Controller backed by a SocketCAN raw
// socket, for bench-testing the bridge against a real or virtual
// (vcan0) CAN interface.
type Controller struct {
	iface string

	mu      sync.Mutex
	fd      int
	open    bool
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	txSlotFree atomic.Bool
}

// New creates a Controller bound to the named interface (e.g. "can0",
// "vcan0"). Setup performs the actual socket/bind.
func New(iface string) *Controller {
	c := &Controller{iface: iface}
	c.txSlotFree.Store(true)
	return c
}

func (c *Controller) Setup(candispatch.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(c.iface)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("if %q: %w", c.iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind(can@%s): %w", c.iface, err)
	}
	c.fd = fd
	c.open = true
	return nil
}

// Start launches the RX loop, which is the only preemptive-adjacent
// context here: each read blocks in the kernel, then hands the frame
// to cb, mirroring the hardware ISR's "deliver by callback" contract.
func (c *Controller) Start(cb func(candispatch.Event)) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("socketcan: controller not set up")
	}
	fd := c.fd
	c.mu.Unlock()

	c.stop = make(chan struct{})
	c.running.Store(true)
	c.wg.Add(1)
	go c.rxLoop(fd, cb)
	return nil
}

func (c *Controller) rxLoop(fd int, cb func(candispatch.Event)) {
	defer c.wg.Done()
	var buf [unix.CAN_MTU]byte
	for c.running.Load() {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			cb(candispatch.Event{Kind: candispatch.EventError})
			select {
			case <-c.stop:
				return
			default:
				continue
			}
		}
		if n != unix.CAN_MTU {
			cb(candispatch.Event{Kind: candispatch.EventError})
			continue
		}
		id := binary.LittleEndian.Uint32(buf[0:4])
		dlc := int(buf[4])
		if dlc < 0 || dlc > can.MaxDLC {
			dlc = can.MaxDLC
		}
		var f can.Frame
		f.ID = id
		f.DLC = uint8(dlc)
		copy(f.Data[:], buf[8:8+can.MaxDLC])
		cb(candispatch.Event{Kind: candispatch.EventRx, Frame: f})
	}
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
	err := unix.Close(c.fd)
	c.open = false
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

// TxSlotFree reports true unconditionally: a raw CAN socket write
// blocks in the kernel rather than exposing a slot-availability query,
// so backpressure here shows up as Transmit latency/error instead.
func (c *Controller) TxSlotFree() bool { return c.txSlotFree.Load() }

func (c *Controller) Transmit(fr can.Frame) error {
	c.mu.Lock()
	fd := c.fd
	open := c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("socketcan: controller not started")
	}
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID)
	buf[4] = fr.DLC
	copy(buf[8:], fr.Data[:])
	_, err := unix.Write(fd, buf[:])
	return err
}
