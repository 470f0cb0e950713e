package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/isotp-ble-gateway/internal/bridge"
	"github.com/kstaniek/isotp-ble-gateway/internal/can"
	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("isotp-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	facade := newFacade(cfg)

	// The bridge's Deliver is the dispatch's filter-match callback; the
	// dispatch is in turn the bridge's FilterRegistrar and Transmitter
	// (both satisfied directly by *candispatch.Dispatch). b is assigned
	// before dispatch.Start() launches its goroutines, so the closure
	// below never observes a nil bridge.
	var b *bridge.Bridge
	dispatch, err := newDispatch(ctx, cfg, func(fr can.Frame) { b.Deliver(fr) })
	if err != nil {
		l.Error("dispatch_init_error", "error", err)
		return
	}
	defer func() { _ = dispatch.Close() }()

	b = bridge.New(dispatch, dispatch, facade.Respond)
	facade.AttachBridge(b)

	if err := dispatch.Start(); err != nil {
		l.Error("dispatch_start_error", "error", err)
		return
	}

	if !cfg.bleAdvertiseOff {
		go func() {
			if err := facade.Run(ctx); err != nil {
				l.Error("ble_facade_error", "error", err)
				cancel()
			}
		}()
	} else {
		l.Info("ble_advertise_disabled")
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = facade.Close()
	wg.Wait()
}
