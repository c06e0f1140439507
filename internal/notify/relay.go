package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rotaguard/internal/domain"
	"rotaguard/internal/metrics"
	"rotaguard/internal/repo"
)

const (
	defaultInterval = 5 * time.Second
	defaultBatch    = 100
	defaultGapGrace = 30 * time.Second
)

// Relay polls the events table after each sink's persisted cursor and
// delivers in id order. A sink that fails stops at the failed event and
// retries it on the next pass; other sinks are unaffected.
//
// Event ids are allocated at insert but become visible at commit, so on
// PostgreSQL a higher id can be read while a lower one is still in flight.
// The cursor never moves past a missing id until the event after the gap is
// older than GapGrace; by then the missing id belongs to a rolled back
// transaction.
type Relay struct {
	Repo     repo.Repo
	Sinks    []Sink
	Logger   *zap.Logger
	Interval time.Duration
	Batch    int
	GapGrace time.Duration
	Now      func() time.Time
}

func (r Relay) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Relay) stamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// gapSettled reports whether an id gap just before evt can be skipped.
func (r Relay) gapSettled(evt domain.Event) bool {
	grace := r.GapGrace
	if grace <= 0 {
		grace = defaultGapGrace
	}
	ts, err := time.Parse(time.RFC3339, evt.TS)
	if err != nil {
		return true
	}
	return r.now().Sub(ts) >= grace
}

// RunOnce makes one delivery pass over every sink and returns the number of
// events delivered.
func (r Relay) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for _, sink := range r.Sinks {
		n, err := r.drain(ctx, sink)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, err
		}
	}
	return total, nil
}

func (r Relay) drain(ctx context.Context, sink Sink) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	cursor, _, err := r.Repo.RelayCursor(ctx, sink.Name())
	if err != nil {
		return 0, err
	}
	evts, err := r.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return 0, err
	}
	delivered := 0
	last := cursor
	for _, evt := range evts {
		if evt.ID > last+1 && !r.gapSettled(evt) {
			r.logger().Debug("waiting for uncommitted events",
				zap.String("sink", sink.Name()),
				zap.Int64("after", last),
				zap.Int64("next_visible", evt.ID))
			break
		}
		if sink.Accepts(evt.Type) {
			if err := sink.Deliver(ctx, evt); err != nil {
				metrics.RelayDeliveries.WithLabelValues(sink.Name(), "failed").Inc()
				r.logger().Warn("event delivery failed",
					zap.String("sink", sink.Name()),
					zap.Int64("event_id", evt.ID),
					zap.String("event_type", evt.Type),
					zap.Error(err))
				break
			}
			metrics.RelayDeliveries.WithLabelValues(sink.Name(), "delivered").Inc()
			delivered++
		}
		last = evt.ID
	}
	if last != cursor {
		if err := r.Repo.SetRelayCursor(ctx, sink.Name(), last, r.stamp()); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// Run loops until ctx is cancelled. Errors are logged and retried on the
// next tick.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger().Error("relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
