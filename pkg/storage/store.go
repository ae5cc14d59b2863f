// Package storage caches the most recently written forecast per
// (job, horizon, quantile) key.
//
// The cache is an optional fast path for reading back the latest forecast:
// the time-series store remains the source of truth, and job metadata is
// never cached here. Entries expire so the cache can only ever serve a
// forecast that was genuinely written recently, never a stale invention.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is the latest forecast written for one (job, horizon, quantile)
// key: the predicted values on their time grid plus enough metadata to judge
// freshness.
type Snapshot struct {
	JobID             int         `json:"job_id"`
	HorizonHours      float64     `json:"horizon_hours"`
	Quantile          float64     `json:"quantile"`
	GeneratedAt       time.Time   `json:"generated_at"`
	ResolutionSeconds int         `json:"resolution_seconds"`
	Times             []time.Time `json:"times"`
	Values            []float64   `json:"values"`
}

func (s Snapshot) validate() error {
	if s.JobID <= 0 {
		return fmt.Errorf("snapshot job id must be > 0, got %d", s.JobID)
	}
	if s.Quantile <= 0 || s.Quantile >= 1 {
		return fmt.Errorf("snapshot quantile %v outside (0, 1)", s.Quantile)
	}
	if len(s.Times) != len(s.Values) {
		return fmt.Errorf("snapshot has %d timestamps but %d values", len(s.Times), len(s.Values))
	}
	return nil
}

func (s Snapshot) key() string {
	return Key(s.JobID, s.HorizonHours, s.Quantile)
}

// Key builds the cache key for a (job, horizon, quantile) triple.
func Key(jobID int, horizonHours, quantile float64) string {
	return fmt.Sprintf("gridcast:forecast:%d:%g:%g", jobID, horizonHours, quantile)
}

// Store is the snapshot cache. Put replaces the previous snapshot for the
// same key; GetLatest reports found=false for absent or expired keys.
type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, jobID int, horizonHours, quantile float64) (Snapshot, bool, error)
}
