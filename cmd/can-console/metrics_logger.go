package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wbocian/go-can-console/internal/metrics"
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
					"captured", snap.Captured,
					"dropped", snap.Dropped,
					"tx", snap.Tx,
					"tx_timeouts", snap.TxTimeouts,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
