// Package bletest provides an in-memory ble.Peripheral for exercising
// internal/ble.Facade without a real BlueZ/HCI stack.
package bletest

import (
	"context"
	"sync"

	"github.com/kstaniek/isotp-ble-gateway/internal/ble"
)

// Peripheral is a fake ble.Peripheral. Advertise is a no-op recorded
// for assertions; Serve blocks delivering onWrite calls injected via
// Write and exposing outbound notifications via Notified.
type Peripheral struct {
	mu          sync.Mutex
	advertised  []ble.UUID
	advertiseNm []string
	closed      bool

	onWrite func([]byte)

	notified [][]byte
}

func New() *Peripheral { return &Peripheral{} }

func (p *Peripheral) Advertise(ctx context.Context, name string, svc ble.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertiseNm = append(p.advertiseNm, name)
	p.advertised = append(p.advertised, svc)
	return nil
}

// Serve installs onWrite and drains notify until ctx is cancelled,
// recording every notification for later inspection via Notified.
func (p *Peripheral) Serve(ctx context.Context, onWrite func([]byte), notify <-chan []byte) error {
	p.mu.Lock()
	p.onWrite = onWrite
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-notify:
			p.mu.Lock()
			p.notified = append(p.notified, append([]byte(nil), msg...))
			p.mu.Unlock()
		}
	}
}

func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Write simulates a host GATT write landing on the command
// characteristic; it is a no-op if Serve has not installed a handler
// yet.
func (p *Peripheral) Write(data []byte) {
	p.mu.Lock()
	cb := p.onWrite
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Notified returns every notification frame handed to Serve so far.
func (p *Peripheral) Notified() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.notified))
	copy(out, p.notified)
	return out
}

func (p *Peripheral) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peripheral) AdvertisedNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.advertiseNm))
	copy(out, p.advertiseNm)
	return out
}
