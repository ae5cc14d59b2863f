package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/gridcast/pkg/features"
	"github.com/HatiCode/gridcast/pkg/forecast"
	"github.com/HatiCode/gridcast/pkg/jobs"
	"github.com/HatiCode/gridcast/pkg/metrics"
	"github.com/HatiCode/gridcast/pkg/retry"
)

// Runner executes forecasting runs for prediction jobs. It is safe for
// concurrent use as long as no two runs target the same (job, horizon,
// quantile) key; concurrent writes to the same key resolve by the store's
// last-write-wins semantics.
type Runner struct {
	resolver  *jobs.Resolver
	assembler *features.Assembler
	writer    *forecast.Writer
	model     Model
	policy    *retry.Policy
	window    time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRunner creates a Runner. window is the historical span of input data
// assembled for each run. policy may be nil to disable retries; metrics may
// be nil to disable instrumentation.
func NewRunner(
	resolver *jobs.Resolver,
	assembler *features.Assembler,
	writer *forecast.Writer,
	model Model,
	policy *retry.Policy,
	window time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}

	return &Runner{
		resolver:  resolver,
		assembler: assembler,
		writer:    writer,
		model:     model,
		policy:    policy,
		window:    window,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Run performs one complete forecasting run for a job id. A failure at any
// stage aborts the run without touching forecasts already written for other
// jobs or horizons.
func (r *Runner) Run(ctx context.Context, jobID int) error {
	start := time.Now()
	logger := r.logger.With("run_id", uuid.NewString(), "job_id", jobID)
	logger.Debug("starting forecast run")

	job, resolveDuration, err := r.resolve(ctx, jobID)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordError("resolver", "resolve_failed")
		}
		return fmt.Errorf("resolve: %w", err)
	}

	matrix, assembleDuration, err := r.assemble(ctx, job)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordError("features", "assemble_failed")
		}
		return fmt.Errorf("assemble: %w", err)
	}

	predictions, predictDuration, err := r.predict(ctx, job, matrix)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordError("model", "predict_failed")
		}
		return fmt.Errorf("predict: %w", err)
	}

	written, writeDuration, err := r.write(ctx, job, predictions)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordError("writer", "write_failed")
		}
		return fmt.Errorf("write: %w", err)
	}

	logger.Info("forecast run complete",
		"quantiles", len(predictions),
		"points_written", written,
		"resolve_ms", resolveDuration.Milliseconds(),
		"assemble_ms", assembleDuration.Milliseconds(),
		"predict_ms", predictDuration.Milliseconds(),
		"write_ms", writeDuration.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// resolve fetches and validates the prediction job, retrying transient
// metadata store failures.
func (r *Runner) resolve(ctx context.Context, jobID int) (*jobs.PredictionJob, time.Duration, error) {
	start := time.Now()

	var job *jobs.PredictionJob
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		job, err = r.resolver.Resolve(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordResolve(duration.Seconds())
	}
	return job, duration, nil
}

// assemble builds the feature matrix over the trailing input window.
func (r *Runner) assemble(ctx context.Context, job *jobs.PredictionJob) (*features.Matrix, time.Duration, error) {
	start := time.Now()

	end := r.now().UTC().Truncate(job.Resolution)
	var matrix *features.Matrix
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		matrix, err = r.assembler.Assemble(ctx, job, end.Add(-r.window), end)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordQuery(duration.Seconds())
	}
	return matrix, duration, nil
}

func (r *Runner) predict(ctx context.Context, job *jobs.PredictionJob, matrix *features.Matrix) (map[float64][]forecast.Value, time.Duration, error) {
	start := time.Now()

	predictions, err := r.model.Predict(ctx, job, matrix)
	if err != nil {
		return nil, 0, err
	}
	if len(predictions) == 0 {
		return nil, 0, fmt.Errorf("model %s returned no predictions", r.model.Name())
	}

	return predictions, time.Since(start), nil
}

// write persists every predicted quantile series plus its horizon-ladder
// projection, retrying transient store failures per series.
func (r *Runner) write(ctx context.Context, job *jobs.PredictionJob, predictions map[float64][]forecast.Value) (int, time.Duration, error) {
	start := time.Now()
	created := r.now().UTC()

	quantiles := make([]float64, 0, len(predictions))
	for q := range predictions {
		quantiles = append(quantiles, q)
	}
	sort.Float64s(quantiles)

	written := 0
	for _, q := range quantiles {
		values := predictions[q]
		err := r.withRetry(ctx, func(ctx context.Context) error {
			return r.writer.Write(ctx, job, job.Horizon, q, values)
		})
		if err != nil {
			return written, 0, fmt.Errorf("quantile %v: %w", q, err)
		}

		err = r.withRetry(ctx, func(ctx context.Context) error {
			return r.writer.WriteHorizonSeries(ctx, job, q, created, values)
		})
		if err != nil {
			return written, 0, fmt.Errorf("quantile %v horizon series: %w", q, err)
		}

		written += len(values)
		if r.metrics != nil {
			r.metrics.AddWrittenPoints(len(values))
		}
	}

	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordWrite(duration.Seconds())
	}
	return written, duration, nil
}

func (r *Runner) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	if r.policy == nil {
		return op(ctx)
	}
	return r.policy.Do(ctx, op)
}
