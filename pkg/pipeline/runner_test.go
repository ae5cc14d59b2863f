package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/gridcast/pkg/dbc"
	"github.com/HatiCode/gridcast/pkg/features"
	"github.com/HatiCode/gridcast/pkg/forecast"
	"github.com/HatiCode/gridcast/pkg/jobs"
	"github.com/HatiCode/gridcast/pkg/metrics"
	"github.com/HatiCode/gridcast/pkg/relational"
	"github.com/HatiCode/gridcast/pkg/retry"
	"github.com/HatiCode/gridcast/pkg/tsdb"
)

// fakeMetadata backs the resolver with one canned job.
type fakeMetadata struct {
	jobErr     error
	jobErrOnce bool
	calls      int
}

func (f *fakeMetadata) PredictionJobRow(ctx context.Context, id int) (relational.JobRow, error) {
	f.calls++
	if f.jobErr != nil {
		if f.jobErrOnce {
			err := f.jobErr
			f.jobErr = nil
			return relational.JobRow{}, err
		}
		return relational.JobRow{}, f.jobErr
	}
	return relational.JobRow{
		ID:                307,
		Name:              "demand_fc",
		ForecastType:      "demand",
		Model:             "xgb",
		HorizonMinutes:    24 * 60,
		ResolutionMinutes: 15,
		SystemID:          "ems_307",
		Latitude:          52.1,
		Longitude:         5.18,
		Active:            true,
	}, nil
}

func (f *fakeMetadata) Quantiles(ctx context.Context, jobID int) ([]float64, error) {
	return []float64{0.5, 0.9}, nil
}

func (f *fakeMetadata) SystemsForJob(ctx context.Context, jobID int) ([]relational.System, error) {
	return []relational.System{{SID: "ems_307"}}, nil
}

func (f *fakeMetadata) SignalsForJob(ctx context.Context, jobID int) ([]relational.SignalRow, error) {
	return []relational.SignalRow{
		{
			Name:              "load",
			Measurement:       "power",
			Field:             "load",
			Tags:              map[string]string{"system": jobs.TagSystemLinked},
			ResolutionMinutes: 15,
			Fill:              "forward_fill",
		},
	}, nil
}

func (f *fakeMetadata) WeatherStations(ctx context.Context, country string) ([]relational.WeatherStation, error) {
	return nil, nil
}

func (f *fakeMetadata) Hyperparams(ctx context.Context, jobID int) (map[string]string, error) {
	return nil, nil
}

// fakeTimeSeries serves reads for assembly and captures forecast writes.
type fakeTimeSeries struct {
	batches map[string]int
	points  int
}

func (f *fakeTimeSeries) QueryRange(ctx context.Context, measurement, field string, tags tsdb.Tags, start, end time.Time, step time.Duration) ([]tsdb.Point, error) {
	var pts []tsdb.Point
	for t := start; t.Before(end); t = t.Add(step) {
		pts = append(pts, tsdb.Point{Time: t, Value: 100})
	}
	return pts, nil
}

func (f *fakeTimeSeries) WritePoints(ctx context.Context, measurement string, points []tsdb.Point) error {
	if f.batches == nil {
		f.batches = make(map[string]int)
	}
	f.batches[measurement]++
	f.points += len(points)
	return nil
}

// fakeModel predicts a flat series per requested quantile.
type fakeModel struct {
	err error
}

func (m *fakeModel) Name() string { return "flat" }

func (m *fakeModel) Predict(ctx context.Context, job *jobs.PredictionJob, matrix *features.Matrix) (map[float64][]forecast.Value, error) {
	if m.err != nil {
		return nil, m.err
	}

	start := time.Now().UTC().Truncate(job.Resolution)
	out := make(map[float64][]forecast.Value, len(job.Quantiles))
	for _, q := range job.Quantiles {
		series := make([]forecast.Value, 0, int(job.Horizon/job.Resolution))
		for t := start; t.Before(start.Add(job.Horizon)); t = t.Add(job.Resolution) {
			series = append(series, forecast.Value{Time: t, Value: 100 * q})
		}
		out[q] = series
	}
	return out, nil
}

func newTestRunner(meta *fakeMetadata, ts *fakeTimeSeries, model Model, policy *retry.Policy) *Runner {
	resolver := jobs.NewResolver(meta, "NL", nil)
	assembler := features.NewAssembler(ts, nil)
	writer := forecast.NewWriter(ts, nil, nil)
	return NewRunner(resolver, assembler, writer, model, policy, 24*time.Hour, nil, nil)
}

func TestRun(t *testing.T) {
	meta := &fakeMetadata{}
	ts := &fakeTimeSeries{}
	runner := newTestRunner(meta, ts, &fakeModel{}, nil)

	if err := runner.Run(context.Background(), 307); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// One forecast batch and one horizon-ladder batch per quantile.
	if ts.batches[forecast.MeasurementForecast] != 2 {
		t.Errorf("forecast batches = %d, want 2", ts.batches[forecast.MeasurementForecast])
	}
	if ts.batches[forecast.MeasurementHorizons] != 2 {
		t.Errorf("horizon batches = %d, want 2", ts.batches[forecast.MeasurementHorizons])
	}
	if ts.points == 0 {
		t.Error("no points written")
	}
}

func TestRun_WithMetrics(t *testing.T) {
	meta := &fakeMetadata{}
	ts := &fakeTimeSeries{}
	resolver := jobs.NewResolver(meta, "NL", nil)
	assembler := features.NewAssembler(ts, nil)
	writer := forecast.NewWriter(ts, nil, nil)
	m := metrics.New(307)
	runner := NewRunner(resolver, assembler, writer, &fakeModel{}, nil, 24*time.Hour, nil, m)

	if err := runner.Run(context.Background(), 307); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := testutil.ToFloat64(m.WrittenPointsTotal); got == 0 {
		t.Error("written points counter not incremented")
	}
}

func TestRun_ResolveFailureAborts(t *testing.T) {
	meta := &fakeMetadata{jobErr: &dbc.NotFoundError{Table: "predictions", Key: 999}}
	ts := &fakeTimeSeries{}
	runner := newTestRunner(meta, ts, &fakeModel{}, nil)

	err := runner.Run(context.Background(), 999)

	var notFound *jobs.JobNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Run() error = %v, want *jobs.JobNotFoundError", err)
	}
	if len(ts.batches) != 0 {
		t.Error("nothing may be written when resolution fails")
	}
}

func TestRun_RetriesTransientResolveFailure(t *testing.T) {
	meta := &fakeMetadata{
		jobErr:     &dbc.ConnectionError{Store: "relational", Err: errors.New("refused")},
		jobErrOnce: true,
	}
	ts := &fakeTimeSeries{}
	policy := &retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	runner := newTestRunner(meta, ts, &fakeModel{}, policy)

	if err := runner.Run(context.Background(), 307); err != nil {
		t.Fatalf("Run() error = %v, want recovery after transient failure", err)
	}
	if meta.calls != 2 {
		t.Errorf("resolve attempts = %d, want 2", meta.calls)
	}
}

func TestRun_ModelFailureAborts(t *testing.T) {
	meta := &fakeMetadata{}
	ts := &fakeTimeSeries{}
	runner := newTestRunner(meta, ts, &fakeModel{err: errors.New("model exploded")}, nil)

	err := runner.Run(context.Background(), 307)
	if err == nil {
		t.Fatal("Run() error = nil, want model failure")
	}
	if len(ts.batches) != 0 {
		t.Error("nothing may be written when prediction fails")
	}
}
