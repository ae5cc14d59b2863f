// Package jobs resolves prediction job definitions from the metadata store
// into self-contained, validated job descriptions.
//
// A resolved PredictionJob carries everything downstream components need:
// concrete tag filters for every declared input signal (placeholders such as
// station=nearest already materialized), merged quantile levels, and
// validated horizon/resolution. Nothing downstream performs further lookups.
package jobs

import (
	"fmt"
	"time"

	"github.com/HatiCode/gridcast/pkg/tsdb"
)

// FillPolicy declares how the feature assembler treats grid points a signal
// could not cover.
type FillPolicy string

const (
	// FillForward carries the last known value forward.
	FillForward FillPolicy = "forward_fill"
	// FillZero substitutes zero for missing values.
	FillZero FillPolicy = "zero"
	// FillFail aborts assembly when any grid point remains unfilled.
	FillFail FillPolicy = "fail"
)

func (p FillPolicy) valid() bool {
	return p == FillForward || p == FillZero || p == FillFail
}

// Signal is a fully resolved input signal: its tag filter contains only
// concrete values.
type Signal struct {
	Name        string
	Measurement string
	Field       string
	Tags        tsdb.Tags
	Resolution  time.Duration
	Fill        FillPolicy
}

// PredictionJob is a resolved forecasting task. It is read-only to the
// pipeline: jobs are created and edited by operators in the metadata store.
type PredictionJob struct {
	ID           int
	Name         string
	Description  string
	ForecastType string
	Model        string
	SystemID     string
	Latitude     float64
	Longitude    float64
	Horizon      time.Duration
	Resolution   time.Duration
	Quantiles    []float64
	Signals      []Signal
	Hyperparams  map[string]string
}

// JobNotFoundError reports that no prediction job exists with the given id.
type JobNotFoundError struct {
	ID int
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("no prediction job with id %d", e.ID)
}

// InvalidJobError reports an internally inconsistent job configuration. It
// names the violated constraint; the configuration must be fixed at the
// source, retrying cannot succeed.
type InvalidJobError struct {
	ID         int
	Constraint string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("prediction job %d invalid: %s", e.ID, e.Constraint)
}

// validate checks the internal consistency of a resolved job.
func (j *PredictionJob) validate() error {
	if j.Horizon <= 0 {
		return &InvalidJobError{ID: j.ID, Constraint: "horizon must be > 0"}
	}
	if j.Resolution <= 0 {
		return &InvalidJobError{ID: j.ID, Constraint: "resolution must be > 0"}
	}
	if j.Horizon%j.Resolution != 0 {
		return &InvalidJobError{
			ID:         j.ID,
			Constraint: fmt.Sprintf("horizon %v is not a multiple of resolution %v", j.Horizon, j.Resolution),
		}
	}
	if len(j.Signals) == 0 {
		return &InvalidJobError{ID: j.ID, Constraint: "declares no input signals"}
	}
	for _, s := range j.Signals {
		if s.Name == "" {
			return &InvalidJobError{ID: j.ID, Constraint: "signal with empty name"}
		}
		if s.Measurement == "" {
			return &InvalidJobError{ID: j.ID, Constraint: fmt.Sprintf("signal %q has no measurement", s.Name)}
		}
		if s.Resolution <= 0 {
			return &InvalidJobError{ID: j.ID, Constraint: fmt.Sprintf("signal %q resolution must be > 0", s.Name)}
		}
		if !s.Fill.valid() {
			return &InvalidJobError{
				ID:         j.ID,
				Constraint: fmt.Sprintf("signal %q has unknown fill policy %q", s.Name, s.Fill),
			}
		}
	}
	for _, q := range j.Quantiles {
		if q <= 0 || q >= 1 {
			return &InvalidJobError{
				ID:         j.ID,
				Constraint: fmt.Sprintf("quantile %v outside (0, 1)", q),
			}
		}
	}
	return nil
}
