// Package watchdog deactivates managers that stopped heartbeating, so the
// tasks they held flow back to the waiting pool instead of stranding.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/registry"
)

// Watchdog periodically sweeps for stale managers.
type Watchdog struct {
	registry *registry.Registry
	interval time.Duration
	maxAge   time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// New creates a watchdog that deactivates managers whose last heartbeat is
// older than maxAge, checking every interval.
func New(reg *registry.Registry, interval, maxAge time.Duration) *Watchdog {
	return &Watchdog{
		registry: reg,
		interval: interval,
		maxAge:   maxAge,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("watchdog"),
	}
}

// Start begins the sweep loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop stops the sweep loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sweep(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("staleness sweep failed")
			}
		case <-w.stopCh:
			return
		}
	}
}

// Sweep runs one staleness pass. Matching nothing is a normal outcome.
func (w *Watchdog) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.WatchdogSweepsTotal.Inc()
		metrics.WatchdogSweepDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := time.Now().UTC().Add(-w.maxAge)
	deactivated, err := w.registry.Deactivate(ctx, registry.DeactivateRequest{
		ModifiedBefore: &cutoff,
		Reason:         "no heartbeat within " + w.maxAge.String(),
	})
	if err != nil {
		return err
	}

	if len(deactivated) > 0 {
		w.logger.Warn().
			Strs("managers", deactivated).
			Time("cutoff", cutoff).
			Msg("deactivated stale managers")
	}
	return nil
}
