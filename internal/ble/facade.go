package ble

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/isotp-ble-gateway/internal/bridge"
	"github.com/kstaniek/isotp-ble-gateway/internal/logging"
	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
	"github.com/kstaniek/isotp-ble-gateway/internal/wire"
)

// advertiseRetryDelay is how long Run waits before retrying a failed
// Advertise call, mirroring the teacher-adjacent retry-with-backoff
// shape in kryptco-kr's bluetoothMain.
const advertiseRetryDelay = 10 * time.Second

// outboxSize bounds the channel between the bridge's response callback
// and the notify pump. Respond never blocks: when the outbox is full the
// frame is dropped, logged and counted as a BLE notify error.
const outboxSize = 16

// Facade owns the two per-connection pump goroutines described in the
// GATT façade: one parses incoming writes and hands commands to the
// bridge, the other drains the bridge's outgoing responses onto the
// notify channel. It is the C5 component; Peripheral is the BLE host
// stack it drives.
type Facade struct {
	periph     Peripheral
	deviceName string
	codec      wire.Codec
	bridge     *bridge.Bridge
	logger     *slog.Logger

	outbox chan []byte
}

// New builds a Facade over periph with no bridge attached. The caller
// constructs the Bridge with the Facade's Respond method as its
// onRespond callback, then wires it back in with AttachBridge. The advertised
// device name defaults to DeviceName; override with SetDeviceName.
func New(periph Peripheral) *Facade {
	return &Facade{
		periph:     periph,
		deviceName: DeviceName,
		logger:     logging.L(),
		outbox:     make(chan []byte, outboxSize),
	}
}

// SetDeviceName overrides the name advertised by Run.
func (f *Facade) SetDeviceName(name string) { f.deviceName = name }

// Respond is f's bridge.ResponseFunc: pass it to bridge.New so
// assembled responses reach the notify pump.
func (f *Facade) Respond(frame []byte) {
	select {
	case f.outbox <- frame:
	default:
		f.logger.Warn("ble_notify_overflow", "len", len(frame))
		metrics.IncError(metrics.ErrBLENotify)
	}
}

// AttachBridge records the bridge whose commands this façade feeds.
func (f *Facade) AttachBridge(b *bridge.Bridge) { f.bridge = b }

// Run advertises the service and serves connections until ctx is
// cancelled, resuming advertising after every disconnect exactly as
// spec'd: Serve returning nil (a clean disconnect) loops back to
// Advertise rather than exiting the façade.
func (f *Facade) Run(ctx context.Context) error {
	for {
		if err := f.periph.Advertise(ctx, f.deviceName, ServiceUUID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("ble_advertise_failed", "error", err, "retry_in", advertiseRetryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(advertiseRetryDelay):
			}
			continue
		}
		f.logger.Info("ble_advertising", "name", f.deviceName)
		err := f.periph.Serve(ctx, f.onWrite, f.outbox)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.logger.Warn("ble_serve_ended", "error", err)
		}
		// connection dropped (or serve returned); loop back and
		// re-advertise, per spec.md 4.5 "on disconnect, resume advertising".
	}
}

func (f *Facade) onWrite(data []byte) {
	metrics.IncBLEWrite()
	cmd, err := f.codec.Parse(data)
	if err != nil {
		metrics.IncBLEParseError()
		f.logger.Warn("ble_parse_error", "error", err, "len", len(data))
		return
	}
	if f.bridge != nil {
		f.bridge.HandleCommand(cmd)
	}
}

// Close releases the underlying peripheral.
func (f *Facade) Close() error {
	return f.periph.Close()
}
