package approval

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// Sweeper periodically expires stale pending requests so undecided gates
	// cannot block runs indefinitely.
	Sweeper struct {
		store     Store
		interval  time.Duration
		retention time.Duration
		expired   metric.Int64Counter
	}

	// SweeperOptions configures a Sweeper.
	SweeperOptions struct {
		// Store is the approval store to sweep. Required.
		Store Store
		// Interval is the sweep period. Defaults to one minute.
		Interval time.Duration
		// Retention is how long terminal requests are kept before garbage
		// collection. Defaults to 24 hours.
		Retention time.Duration
	}
)

const (
	defaultSweepInterval = time.Minute
	defaultRetention     = 24 * time.Hour
)

// NewSweeper builds a Sweeper from opts.
func NewSweeper(opts SweeperOptions) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	meter := otel.Meter("goa.design/gate/runtime/gate/approval")
	counter, err := meter.Int64Counter("gate.approvals.expired")
	if err != nil {
		counter = nil
	}
	return &Sweeper{
		store:     opts.Store,
		interval:  interval,
		retention: retention,
		expired:   counter,
	}
}

// Run sweeps until ctx is canceled. It performs one pass immediately so
// restarts do not leave stale pending requests sitting for a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.SweepExpired(ctx, time.Now().UTC(), s.retention)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "approval sweep failed"})
		return
	}
	if n > 0 {
		if s.expired != nil {
			s.expired.Add(ctx, int64(n))
		}
		log.Info(ctx, log.KV{K: "msg", V: "expired stale approvals"}, log.KV{K: "count", V: n})
	}
}
