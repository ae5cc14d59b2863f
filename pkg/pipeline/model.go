// Package pipeline orchestrates one forecasting run end to end:
//
//	resolve → assemble → predict → write
//
// The forecasting model itself is external; the pipeline hands it the
// assembled feature matrix and persists whatever quantile series it returns.
// Retry policy lives here, at the orchestration boundary: the store clients
// below never retry, and only transient failures are retried.
package pipeline

import (
	"context"

	"github.com/HatiCode/gridcast/pkg/features"
	"github.com/HatiCode/gridcast/pkg/forecast"
	"github.com/HatiCode/gridcast/pkg/jobs"
)

// Model is the external forecasting model boundary. Predict returns one
// predicted series per quantile level the job requested.
type Model interface {
	Name() string
	Predict(ctx context.Context, job *jobs.PredictionJob, matrix *features.Matrix) (map[float64][]forecast.Value, error)
}
