// Package bleperiph is the Linux production adapter for internal/ble's
// Peripheral interface, built on github.com/currantlabs/ble and its
// examples/lib/gatt convenience wrapper over the BlueZ/HCI stack.
// Grounded directly in kryptco-kr's agent/bluetooth.go
// (BluetoothPeripheral's service/characteristic construction,
// HandleWrite/HandleNotify, AdvertiseNameAndServices) and its
// gatt_linux.go helper (NewServer, hci.NewHCI, Accept loop, which
// examples/lib/gatt wraps for us).
package bleperiph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/currantlabs/ble"
	"github.com/currantlabs/ble/examples/lib/gatt"

	bleiface "github.com/kstaniek/isotp-ble-gateway/internal/ble"
	"github.com/kstaniek/isotp-ble-gateway/internal/logging"
	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
)

var (
	commandCharUUID  = ble.MustParse(string(bleiface.CommandCharUUID))
	responseCharUUID = ble.MustParse(string(bleiface.ResponseCharUUID))
)

// subBufSize bounds the per-subscriber notify channel; a slow or
// wedged host should not stall the façade's outbox pump.
const subBufSize = 16

// Peripheral drives one GATT peripheral over the host's HCI adapter.
// It accepts at most one active subscriber at a time (spec: max
// connections 1), but is written like the teacher's map-of-subscribers
// so a future multi-link peripheral only needs HandleConnect semantics
// changed, not this plumbing.
type Peripheral struct {
	mu         sync.Mutex
	onWrite    func([]byte)
	writeQueue [][]byte
	subs       map[string]chan []byte
	service    *ble.Service
	logger     *slog.Logger
}

// New creates an unadvertised Peripheral.
func New() *Peripheral {
	return &Peripheral{
		subs:   map[string]chan []byte{},
		logger: logging.L(),
	}
}

func (p *Peripheral) written(req ble.Request, _ ble.ResponseWriter) {
	data := append([]byte(nil), req.Data()...)
	p.mu.Lock()
	cb := p.onWrite
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (p *Peripheral) notify(req ble.Request, n ble.Notifier) {
	addr := req.Conn().RemoteAddr().String()
	ch := make(chan []byte, subBufSize)

	p.mu.Lock()
	p.subs[addr] = ch
	queued := p.writeQueue
	p.writeQueue = nil
	p.mu.Unlock()

	for _, msg := range queued {
		if _, err := n.Write(msg); err == nil {
			metrics.IncBLENotify()
		}
	}
	p.logger.Info("ble_subscribed", "remote", addr)

	defer func() {
		p.mu.Lock()
		delete(p.subs, addr)
		p.mu.Unlock()
		p.logger.Info("ble_unsubscribed", "remote", addr)
	}()

	for {
		select {
		case <-n.Context().Done():
			return
		case msg := <-ch:
			if _, err := n.Write(msg); err != nil {
				p.logger.Warn("ble_notify_error", "error", err, "remote", addr)
				metrics.IncError(metrics.ErrBLENotify)
				return
			}
			metrics.IncBLENotify()
		}
	}
}

// Advertise builds the service/characteristics and starts advertising
// name and svc. It may be called again after a disconnect; each call
// resets and re-registers the GATT database exactly as the teacher's
// bluetoothMain does per retry iteration.
func (p *Peripheral) Advertise(_ context.Context, name string, svc bleiface.UUID) error {
	uuid, err := ble.Parse(string(svc))
	if err != nil {
		return fmt.Errorf("bleperiph: parse service uuid: %w", err)
	}

	service := ble.NewService(uuid)

	cmdChar := ble.NewCharacteristic(commandCharUUID)
	cmdChar.HandleWrite(ble.WriteHandlerFunc(p.written))
	service.AddCharacteristic(cmdChar)

	rspChar := ble.NewCharacteristic(responseCharUUID)
	rspChar.HandleNotify(ble.NotifyHandlerFunc(p.notify))
	service.AddCharacteristic(rspChar)

	p.mu.Lock()
	p.service = service
	p.mu.Unlock()

	gatt.Reset()
	if err := gatt.AddService(service); err != nil {
		_ = gatt.RemoveAllServices()
		return fmt.Errorf("bleperiph: add service: %w", err)
	}
	if err := gatt.AdvertiseNameAndServices(name, service.UUID); err != nil {
		_ = gatt.RemoveAllServices()
		return fmt.Errorf("bleperiph: advertise: %w", err)
	}
	return nil
}

// Serve installs onWrite and pumps notify until ctx is cancelled. A
// message arriving with no active subscriber is queued and flushed to
// the next one that subscribes, exactly like the teacher's start()
// goroutine queuing onto writeQueue.
func (p *Peripheral) Serve(ctx context.Context, onWrite func([]byte), notify <-chan []byte) error {
	p.mu.Lock()
	p.onWrite = onWrite
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.onWrite = nil
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-notify:
			p.mu.Lock()
			if len(p.subs) == 0 {
				p.writeQueue = append(p.writeQueue, msg)
			} else {
				for _, ch := range p.subs {
					select {
					case ch <- msg:
					default:
						p.logger.Warn("ble_subscriber_overflow")
					}
				}
			}
			p.mu.Unlock()
		}
	}
}

// Close stops advertising and releases the HCI device.
func (p *Peripheral) Close() error {
	_ = gatt.StopAdvertising()
	return gatt.Close()
}
