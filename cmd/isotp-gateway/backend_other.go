//go:build !linux

package main

import (
	"fmt"

	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
)

// Placeholder so non-linux builds compile; socketcan and the
// SPI-attached controller both depend on Linux-only kernel/GPIO
// interfaces.
func newSocketCANController(string) (candispatch.Controller, error) {
	return nil, fmt.Errorf("socketcan backend unsupported on this platform")
}

func newSPICANController() (candispatch.Controller, error) {
	return nil, fmt.Errorf("spi backend unsupported on this platform")
}
