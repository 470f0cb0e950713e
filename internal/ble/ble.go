// Package ble defines the GATT façade's external-collaborator
// interface: the capability a BLE host stack must offer so the bridge
// can exchange command/response frames with one connected phone or
// laptop. Production and test implementations live in subpackages
// (bleperiph for the real BlueZ/HCI stack, bletest for unit tests).
package ble

import "context"

// UUID is a 128-bit Bluetooth attribute identifier in canonical
// dashed-hex form, e.g. "0000abf0-0000-1000-8000-00805f9b34fb".
type UUID string

// Service and characteristic UUIDs for the command/response façade.
const (
	ServiceUUID        UUID = "0000abf0-0000-1000-8000-00805f9b34fb"
	CommandCharUUID    UUID = "0000abf3-0000-1000-8000-00805f9b34fb" // write-without-response
	ResponseCharUUID   UUID = "0000abf2-0000-1000-8000-00805f9b34fb" // read, notify
	DeviceName              = "BLE_TO_ISOTP"
	MaxFrameSize            = 512
)

// Peripheral is the BLE host stack capability the gateway depends on:
// advertise a named service, then serve exactly one connection at a
// time, delivering incoming writes via onWrite and draining notify for
// outbound frames. Advertising resumes automatically after a
// disconnect for as long as Serve keeps running.
type Peripheral interface {
	Advertise(ctx context.Context, name string, svc UUID) error
	Serve(ctx context.Context, onWrite func([]byte), notify <-chan []byte) error
	Close() error
}
