package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/HatiCode/gridcast/pkg/dbc"
	"github.com/HatiCode/gridcast/pkg/relational"
	"github.com/HatiCode/gridcast/pkg/tsdb"
)

// Tag placeholders a signal declaration may carry. The resolver replaces
// them with concrete values so downstream components never consult the
// metadata store.
const (
	// TagStationNearest resolves to the closest active weather station.
	TagStationNearest = "nearest"
	// TagSystemLinked resolves to the job's linked system id.
	TagSystemLinked = "linked"
)

// DefaultStationThresholdKm is the maximum accepted distance between a job's
// location and its nearest weather station. Beyond it the station data is
// too unrepresentative to forecast with.
const DefaultStationThresholdKm = 150.0

// Store is the slice of the metadata store the resolver needs.
type Store interface {
	PredictionJobRow(ctx context.Context, id int) (relational.JobRow, error)
	Quantiles(ctx context.Context, jobID int) ([]float64, error)
	SystemsForJob(ctx context.Context, jobID int) ([]relational.System, error)
	SignalsForJob(ctx context.Context, jobID int) ([]relational.SignalRow, error)
	WeatherStations(ctx context.Context, country string) ([]relational.WeatherStation, error)
	Hyperparams(ctx context.Context, jobID int) (map[string]string, error)
}

// Resolver turns a job id into a validated, self-contained PredictionJob.
type Resolver struct {
	store              Store
	country            string
	stationThresholdKm float64
	logger             *slog.Logger
}

// NewResolver creates a Resolver. country selects the weather station pool
// for nearest-station resolution.
func NewResolver(store Store, country string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if country == "" {
		country = "NL"
	}
	return &Resolver{
		store:              store,
		country:            country,
		stationThresholdKm: DefaultStationThresholdKm,
		logger:             logger,
	}
}

// Resolve fetches the job row, its quantile sets, linked systems, declared
// signals and hyperparameters, materializes all placeholder tags, validates
// the result and returns it. Fails with *JobNotFoundError when the id does
// not exist and *InvalidJobError when the configuration is inconsistent.
func (r *Resolver) Resolve(ctx context.Context, id int) (*PredictionJob, error) {
	row, err := r.store.PredictionJobRow(ctx, id)
	if err != nil {
		var notFound *dbc.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &JobNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("fetch job %d: %w", id, err)
	}

	if !row.Active {
		return nil, &InvalidJobError{ID: id, Constraint: "job is not active"}
	}

	quantiles, err := r.store.Quantiles(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch quantiles for job %d: %w", id, err)
	}

	systems, err := r.store.SystemsForJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch systems for job %d: %w", id, err)
	}

	signalRows, err := r.store.SignalsForJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch signals for job %d: %w", id, err)
	}

	params, err := r.store.Hyperparams(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch hyperparameters for job %d: %w", id, err)
	}

	job := &PredictionJob{
		ID:           row.ID,
		Name:         row.Name,
		Description:  describeSystems(systems),
		ForecastType: row.ForecastType,
		Model:        row.Model,
		SystemID:     row.SystemID,
		Latitude:     row.Latitude,
		Longitude:    row.Longitude,
		Horizon:      time.Duration(row.HorizonMinutes) * time.Minute,
		Resolution:   time.Duration(row.ResolutionMinutes) * time.Minute,
		Quantiles:    quantiles,
		Hyperparams:  params,
	}

	job.Signals = make([]Signal, 0, len(signalRows))
	for _, sr := range signalRows {
		tags, err := r.resolveTags(ctx, job, sr)
		if err != nil {
			return nil, err
		}
		job.Signals = append(job.Signals, Signal{
			Name:        sr.Name,
			Measurement: sr.Measurement,
			Field:       sr.Field,
			Tags:        tags,
			Resolution:  time.Duration(sr.ResolutionMinutes) * time.Minute,
			Fill:        FillPolicy(sr.Fill),
		})
	}

	if err := job.validate(); err != nil {
		return nil, err
	}

	r.logger.Debug("resolved prediction job",
		"job_id", job.ID,
		"signals", len(job.Signals),
		"quantiles", len(job.Quantiles),
		"horizon", job.Horizon,
	)

	return job, nil
}

// resolveTags materializes placeholder tag values against the metadata
// store. Unknown keys pass through untouched.
func (r *Resolver) resolveTags(ctx context.Context, job *PredictionJob, sr relational.SignalRow) (tsdb.Tags, error) {
	tags := make(tsdb.Tags, len(sr.Tags))
	for k, v := range sr.Tags {
		switch {
		case k == "station" && v == TagStationNearest:
			city, err := r.nearestStationCity(ctx, job, sr.Name)
			if err != nil {
				return nil, err
			}
			tags[k] = city
		case k == "system" && v == TagSystemLinked:
			if job.SystemID == "" {
				return nil, &InvalidJobError{
					ID:         job.ID,
					Constraint: fmt.Sprintf("signal %q references the linked system but the job has none", sr.Name),
				}
			}
			tags[k] = job.SystemID
		default:
			tags[k] = v
		}
	}
	return tags, nil
}

func (r *Resolver) nearestStationCity(ctx context.Context, job *PredictionJob, signal string) (string, error) {
	stations, err := r.store.WeatherStations(ctx, r.country)
	if err != nil {
		return "", fmt.Errorf("fetch weather stations: %w", err)
	}

	station, dist, ok := nearestStation(stations, job.Latitude, job.Longitude)
	if !ok {
		return "", &InvalidJobError{
			ID:         job.ID,
			Constraint: fmt.Sprintf("signal %q needs a weather station but none are configured for %s", signal, r.country),
		}
	}
	if dist > r.stationThresholdKm {
		return "", &InvalidJobError{
			ID: job.ID,
			Constraint: fmt.Sprintf("signal %q: nearest weather station %q is %.1f km away (limit %.0f km)",
				signal, station.City, dist, r.stationThresholdKm),
		}
	}

	r.logger.Debug("resolved nearest weather station",
		"job_id", job.ID,
		"signal", signal,
		"station", station.City,
		"distance_km", dist,
	)

	return station.City, nil
}

// describeSystems builds the human-readable description from the linked
// system ids, matching how operators identify jobs.
func describeSystems(systems []relational.System) string {
	sids := make([]string, 0, len(systems))
	for _, s := range systems {
		sids = append(sids, s.SID)
	}
	return strings.Join(sids, "+")
}
