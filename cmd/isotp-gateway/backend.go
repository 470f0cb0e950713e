package main

import (
	"context"
	"fmt"

	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch"
	"github.com/kstaniek/isotp-ble-gateway/internal/candispatch/serialcan"
)

// newController selects a candispatch.Controller per cfg.backend.
// socketcan and spi are Linux-only; newSocketCANController and
// newSPICANController are provided by the build-tagged
// backend_linux.go / backend_other.go pair.
func newController(cfg *appConfig) (candispatch.Controller, error) {
	switch cfg.backend {
	case "serial":
		return serialcan.New(cfg.serialDev, cfg.baud), nil
	case "socketcan":
		return newSocketCANController(cfg.canIf)
	case "spi":
		return newSPICANController()
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|spi)", cfg.backend)
	}
}

// newDispatch constructs the Controller for cfg.backend and wraps it in
// an unstarted Dispatch; the caller wires onMatch (the bridge is not
// constructed yet at this point, since the bridge itself needs the
// dispatch as its FilterRegistrar/Transmitter) and calls Start once
// everything downstream of onMatch is ready.
func newDispatch(ctx context.Context, cfg *appConfig, onMatch func(can.Frame)) (*candispatch.Dispatch, error) {
	ctrl, err := newController(cfg)
	if err != nil {
		return nil, err
	}
	return candispatch.New(ctx, ctrl, candispatch.Config{Bitrate: cfg.bitrate}, onMatch), nil
}
