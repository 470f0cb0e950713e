//go:build linux

package main

import (
	"fmt"

	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch/socketcan"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch/spican"
)

// spiIRQPin names the GPIO line wired to the MCP2515-class CAN
// controller's interrupt output.
const spiIRQPin = "GPIO25"

func newSocketCANController(iface string) (candispatch.Controller, error) {
	return socketcan.New(iface), nil
}

func newSPICANController() (candispatch.Controller, error) {
	pin := gpioreg.ByName(spiIRQPin)
	if pin == nil {
		return nil, fmt.Errorf("spi backend: gpio pin %q not found", spiIRQPin)
	}
	return spican.New(pin), nil
}
