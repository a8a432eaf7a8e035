package dispatch

import (
	"context"
	"time"

	"github.com/labelworks/print-relay/internal/ledger"
	"github.com/labelworks/print-relay/internal/logging"
	"github.com/labelworks/print-relay/internal/metrics"
)

// RunRecovery periodically flips ledger entries stuck in PRINTING back to
// FAILED so redelivered messages can reclaim them. A worker cancelled
// between admission and outcome recording leaves such an entry behind;
// without this pass the identity would stay locked forever.
//
// Runs once immediately, then on every interval tick until ctx is done.
func RunRecovery(ctx context.Context, store ledger.Store, staleAfter, interval time.Duration) {
	log := logging.Component("recovery")

	run := func() {
		n, err := store.RecoverStale(ctx, staleAfter)
		if err != nil {
			log.Error("stale entry recovery failed", "error", err)
			if m := metrics.Get(); m != nil {
				m.LedgerErrors.Inc()
			}
			return
		}
		if n > 0 {
			log.Warn("reset stale printing entries for retry", "count", n)
			if m := metrics.Get(); m != nil {
				m.StaleRecovered.Add(float64(n))
			}
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
