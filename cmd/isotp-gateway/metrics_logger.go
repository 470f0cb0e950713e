package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/isotp-ble-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"can_rx", snap.CANRx,
					"can_rx_matched", snap.CANRxMatched,
					"can_tx", snap.CANTx,
					"can_tx_dropped", snap.CANTxDropped,
					"can_resets", snap.CANResets,
					"ble_writes", snap.BLEWrites,
					"ble_notifies", snap.BLENotifies,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
