package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/gridcast/pkg/jobs"
	"github.com/HatiCode/gridcast/pkg/storage"
	"github.com/HatiCode/gridcast/pkg/tsdb"
)

// RangeQuerier is the slice of the time-series client the reader needs.
type RangeQuerier interface {
	QueryRange(ctx context.Context, measurement, field string, tags tsdb.Tags, start, end time.Time, step time.Duration) ([]tsdb.Point, error)
}

// Reader returns the most recently written forecast for a (job, horizon,
// quantile) key. With a cache configured it serves from the snapshot written
// alongside the forecast; the time-series store is the fallback and the
// source of truth.
type Reader struct {
	ts     RangeQuerier
	cache  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewReader creates a Reader. cache may be nil to always read the store.
func NewReader(ts RangeQuerier, cache storage.Store, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		ts:     ts,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Latest returns the latest forecast series for (job, horizon, quantile)
// covering [now, now+horizon). An empty result means no forecast has been
// written for the key, which is not an error.
//
// A cache miss or cache failure falls through to the store; a cache failure
// is logged but never surfaced, the cache being a fast path only.
func (r *Reader) Latest(ctx context.Context, job *jobs.PredictionJob, horizon time.Duration, quantile float64) ([]Value, error) {
	if values, ok := r.fromCache(ctx, job.ID, horizon.Hours(), quantile); ok {
		return values, nil
	}

	start := r.now().UTC().Truncate(job.Resolution)
	end := start.Add(horizon)
	tags := forecastTags(job, horizon.Hours(), quantile)

	points, err := r.ts.QueryRange(ctx, MeasurementForecast, "", tags, start, end, job.Resolution)
	if err != nil {
		return nil, fmt.Errorf("read forecast for job %d: %w", job.ID, err)
	}

	values := make([]Value, len(points))
	for i, p := range points {
		values[i] = Value{Time: p.Time, Value: p.Value}
	}
	return values, nil
}

func (r *Reader) fromCache(ctx context.Context, jobID int, horizonHours, quantile float64) ([]Value, bool) {
	if r.cache == nil {
		return nil, false
	}

	snap, found, err := r.cache.GetLatest(ctx, jobID, horizonHours, quantile)
	if err != nil {
		r.logger.Warn("snapshot lookup failed", "job_id", jobID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	values := make([]Value, len(snap.Values))
	for i := range snap.Values {
		values[i] = Value{Time: snap.Times[i], Value: snap.Values[i]}
	}
	return values, true
}
