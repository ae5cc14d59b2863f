// Package forecast persists model output back into the time-series store and
// reads it back for downstream consumers.
//
// Every written point carries the tags pid, tAhead, quantile and system, so
// (job, horizon, quantile, timestamp) forms the overwrite key: re-running the
// same job for the same horizon replaces the previous result set instead of
// duplicating it. The store's last-write-wins semantics do the deduplication;
// this package only guarantees the key is complete.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/HatiCode/gridcast/pkg/dbc"
	"github.com/HatiCode/gridcast/pkg/jobs"
	"github.com/HatiCode/gridcast/pkg/storage"
	"github.com/HatiCode/gridcast/pkg/tsdb"
)

const (
	// MeasurementForecast holds the per-run forecast series.
	MeasurementForecast = "prediction"
	// MeasurementHorizons holds the horizon-ladder series.
	MeasurementHorizons = "prediction_tAheads"
	// QualityActual marks a regular forecast as opposed to a substituted or
	// backfilled one.
	QualityActual = "actual"
)

// Value is one predicted point of a forecast series.
type Value struct {
	Time  time.Time
	Value float64
}

// TimeSeriesWriter is the slice of the time-series client the writer needs.
type TimeSeriesWriter interface {
	WritePoints(ctx context.Context, measurement string, points []tsdb.Point) error
}

// Writer tags and persists forecast output. cache is optional: when set, a
// successful write also refreshes the latest-forecast snapshot so readers
// can skip the store.
type Writer struct {
	ts     TimeSeriesWriter
	cache  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a Writer. cache may be nil to disable snapshotting.
func NewWriter(ts TimeSeriesWriter, cache storage.Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		ts:     ts,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Write persists one forecast series for (job, horizon, quantile) in a single
// batch. Non-finite values are rejected before anything is sent; either the
// whole batch is acknowledged or the call fails with *dbc.WriteError and no
// point may be assumed persisted.
func (w *Writer) Write(ctx context.Context, job *jobs.PredictionJob, horizon time.Duration, quantile float64, values []Value) error {
	if err := checkFinite(MeasurementForecast, values); err != nil {
		return err
	}

	created := w.now().UTC()
	tags := forecastTags(job, horizon.Hours(), quantile)
	points := buildPoints(tags, created, values)

	if err := w.ts.WritePoints(ctx, MeasurementForecast, points); err != nil {
		return fmt.Errorf("write forecast for job %d: %w", job.ID, err)
	}

	w.refreshSnapshot(ctx, job, horizon.Hours(), quantile, created, values)

	w.logger.Debug("wrote forecast",
		"job_id", job.ID,
		"horizon", horizon,
		"quantile", quantile,
		"points", len(points),
	)
	return nil
}

// WriteHorizonSeries persists forecast values into the horizon-ladder
// measurement: each value's lead time relative to created is floored onto
// the fixed ladder and written under that tAhead tag. Values with a lead
// time outside the ladder are skipped.
func (w *Writer) WriteHorizonSeries(ctx context.Context, job *jobs.PredictionJob, quantile float64, created time.Time, values []Value) error {
	if err := checkFinite(MeasurementHorizons, values); err != nil {
		return err
	}
	created = created.UTC()

	sorted := make([]Value, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var points []tsdb.Point
	skipped := 0
	for _, v := range sorted {
		hours, ok := FloorHorizon(v.Time.Sub(created))
		if !ok {
			skipped++
			continue
		}
		tags := forecastTags(job, hours, quantile)
		points = append(points, tsdb.Point{
			Time:  v.Time.UTC(),
			Value: v.Value,
			Tags:  tags,
			Fields: map[string]any{
				"quality": QualityActual,
				"created": created.Format(time.RFC3339),
			},
		})
	}

	if len(points) == 0 {
		return nil
	}

	if err := w.ts.WritePoints(ctx, MeasurementHorizons, points); err != nil {
		return fmt.Errorf("write horizon series for job %d: %w", job.ID, err)
	}

	w.logger.Debug("wrote horizon series",
		"job_id", job.ID,
		"quantile", quantile,
		"points", len(points),
		"skipped", skipped,
	)
	return nil
}

// refreshSnapshot updates the latest-forecast cache. A cache failure does not
// fail the write: the store already holds the data.
func (w *Writer) refreshSnapshot(ctx context.Context, job *jobs.PredictionJob, horizonHours, quantile float64, created time.Time, values []Value) {
	if w.cache == nil {
		return
	}

	snap := storage.Snapshot{
		JobID:             job.ID,
		HorizonHours:      horizonHours,
		Quantile:          quantile,
		GeneratedAt:       created,
		ResolutionSeconds: int(job.Resolution.Seconds()),
		Times:             make([]time.Time, len(values)),
		Values:            make([]float64, len(values)),
	}
	for i, v := range values {
		snap.Times[i] = v.Time.UTC()
		snap.Values[i] = v.Value
	}

	if err := w.cache.Put(ctx, snap); err != nil {
		w.logger.Warn("snapshot refresh failed", "job_id", job.ID, "error", err)
	}
}

func buildPoints(tags tsdb.Tags, created time.Time, values []Value) []tsdb.Point {
	sorted := make([]Value, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	points := make([]tsdb.Point, len(sorted))
	for i, v := range sorted {
		points[i] = tsdb.Point{
			Time:  v.Time.UTC(),
			Value: v.Value,
			Tags:  tags,
			Fields: map[string]any{
				"quality": QualityActual,
				"created": created.Format(time.RFC3339),
			},
		}
	}
	return points
}

func checkFinite(measurement string, values []Value) error {
	for i, v := range values {
		if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
			return &dbc.WriteError{
				Measurement: measurement,
				Points:      len(values),
				Err:         fmt.Errorf("value %d at %s is not finite", i, v.Time.Format(time.RFC3339)),
			}
		}
	}
	return nil
}

// forecastTags builds the full overwrite key tag-set.
func forecastTags(job *jobs.PredictionJob, horizonHours, quantile float64) tsdb.Tags {
	return tsdb.Tags{
		"pid":      strconv.Itoa(job.ID),
		"tAhead":   strconv.FormatFloat(horizonHours, 'f', -1, 64),
		"quantile": FormatQuantile(quantile),
		"system":   job.SystemID,
	}
}

// FormatQuantile renders a quantile level as its tag value, e.g. 0.5 -> "P50"
// and 0.05 -> "P05".
func FormatQuantile(q float64) string {
	return fmt.Sprintf("P%02d", int(math.Round(q*100)))
}
