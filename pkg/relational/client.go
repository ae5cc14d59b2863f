// Package relational is the client for the metadata store.
//
// It exposes the typed lookups the job resolver needs (prediction job rows,
// quantile sets, linked systems, declared input signals, weather stations)
// plus a generic record interface for auxiliary tables. Every call is a
// fresh query: metadata can change between calls within a long-running
// process, so nothing here caches.
package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HatiCode/gridcast/pkg/config"
	"github.com/HatiCode/gridcast/pkg/dbc"
)

const storeName = "relational"

// Record is a generic row from an auxiliary table, keyed by column name.
type Record map[string]any

// JobRow is the raw prediction job row joined with its systems for
// coordinates. Validation and signal resolution happen in the jobs package.
type JobRow struct {
	ID                int
	Name              string
	ForecastType      string
	Model             string
	HorizonMinutes    int
	ResolutionMinutes int
	SystemID          string
	Latitude          float64
	Longitude         float64
	Active            bool
}

// System is a metering system linked to a prediction job.
type System struct {
	SID       string
	Latitude  float64
	Longitude float64
	Region    string
}

// SignalRow is a declared input signal of a prediction job before tag
// resolution. Tags is stored as JSONB and may contain placeholder values
// (e.g. station=nearest) that the resolver materializes.
type SignalRow struct {
	Name              string
	Measurement       string
	Field             string
	Tags              map[string]string
	ResolutionMinutes int
	Fill              string
}

// WeatherStation is a location for which weather forecasts are stored.
type WeatherStation struct {
	City      string
	Latitude  float64
	Longitude float64
	Country   string
}

// Client wraps a pgx connection pool. It is safe for concurrent use.
type Client struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// Connect creates a Client and verifies the connection.
func Connect(ctx context.Context, cfg config.SQL, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, &dbc.ConnectionError{Store: storeName, Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, &dbc.ConnectionError{Store: storeName, Err: err}
	}

	return &Client{pool: pool, timeout: timeout, logger: logger}, nil
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// PredictionJobRow fetches one job row by id. The job's system id and
// coordinates come from the first linked system ordered by sid, so a
// multi-system job always gets one coherent (sid, lat, lon) triple.
// Fails with *dbc.NotFoundError when the id is absent.
func (c *Client) PredictionJobRow(ctx context.Context, id int) (JobRow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	const query = `
		SELECT p.id, p.name, p.forecast_type, p.model,
		       p.horizon_minutes, p.resolution_minutes, p.active,
		       COALESCE(s.sid, ''), COALESCE(s.lat, 0), COALESCE(s.lon, 0)
		FROM predictions p
		LEFT JOIN LATERAL (
			SELECT sys.sid, sys.lat, sys.lon
			FROM predictions_systems ps
			JOIN systems sys ON sys.sid = ps.system_id
			WHERE ps.prediction_id = p.id
			ORDER BY sys.sid
			LIMIT 1
		) s ON true
		WHERE p.id = $1`

	var row JobRow
	err := c.pool.QueryRow(ctx, query, id).Scan(
		&row.ID, &row.Name, &row.ForecastType, &row.Model,
		&row.HorizonMinutes, &row.ResolutionMinutes, &row.Active,
		&row.SystemID, &row.Latitude, &row.Longitude,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JobRow{}, &dbc.NotFoundError{Table: "predictions", Key: id}
		}
		return JobRow{}, c.classify(err)
	}
	return row, nil
}

// Quantiles returns the merged, sorted quantile levels of a job's quantile
// sets. Each set is stored as a JSON array; a job without sets yields an
// empty slice.
func (c *Client) Quantiles(ctx context.Context, jobID int) ([]float64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	const query = `
		SELECT qs.quantiles
		FROM quantile_sets qs
		JOIN predictions_quantile_sets pq ON qs.id = pq.quantile_set_id
		WHERE pq.prediction_id = $1
		ORDER BY qs.id`

	rows, err := c.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	seen := make(map[float64]bool)
	var merged []float64
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan quantile set: %w", err)
		}
		var set []float64
		if err := json.Unmarshal(raw, &set); err != nil {
			return nil, fmt.Errorf("decode quantile set for job %d: %w", jobID, err)
		}
		for _, q := range set {
			if !seen[q] {
				seen[q] = true
				merged = append(merged, q)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}

	sort.Float64s(merged)
	return merged, nil
}

// SystemsForJob lists the systems linked to a job, nearest-linked first.
func (c *Client) SystemsForJob(ctx context.Context, jobID int) ([]System, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	const query = `
		SELECT s.sid, s.lat, s.lon, COALESCE(s.region, '')
		FROM systems s
		JOIN predictions_systems ps ON s.sid = ps.system_id
		WHERE ps.prediction_id = $1
		ORDER BY s.sid`

	rows, err := c.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	var systems []System
	for rows.Next() {
		var s System
		if err := rows.Scan(&s.SID, &s.Latitude, &s.Longitude, &s.Region); err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		systems = append(systems, s)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}
	return systems, nil
}

// SignalsForJob lists the input signals a job declares.
func (c *Client) SignalsForJob(ctx context.Context, jobID int) ([]SignalRow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	const query = `
		SELECT name, measurement, field, tags, resolution_minutes, fill
		FROM prediction_signals
		WHERE prediction_id = $1
		ORDER BY name`

	rows, err := c.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	var signals []SignalRow
	for rows.Next() {
		var s SignalRow
		var rawTags []byte
		if err := rows.Scan(&s.Name, &s.Measurement, &s.Field, &rawTags, &s.ResolutionMinutes, &s.Fill); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if len(rawTags) > 0 {
			if err := json.Unmarshal(rawTags, &s.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for signal %q: %w", s.Name, err)
			}
		}
		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}
	return signals, nil
}

// WeatherStations lists the active weather forecast locations of a country.
func (c *Client) WeatherStations(ctx context.Context, country string) ([]WeatherStation, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	const query = `
		SELECT city, lat, lon, country
		FROM weather_stations
		WHERE country = $1 AND active
		ORDER BY city`

	rows, err := c.pool.Query(ctx, query, country)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	var stations []WeatherStation
	for rows.Next() {
		var w WeatherStation
		if err := rows.Scan(&w.City, &w.Latitude, &w.Longitude, &w.Country); err != nil {
			return nil, fmt.Errorf("scan weather station: %w", err)
		}
		stations = append(stations, w)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}
	return stations, nil
}

// Hyperparams returns the free-form hyperparameters of a job.
func (c *Client) Hyperparams(ctx context.Context, jobID int) (map[string]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	const query = `SELECT name, value FROM hyper_params WHERE prediction_id = $1`

	rows, err := c.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	params := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan hyperparameter: %w", err)
		}
		params[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}
	return params, nil
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// GetRecord fetches a single row from an auxiliary table by key column.
// Fails with *dbc.NotFoundError when no row matches. Table and column names
// must be plain identifiers; they cannot be bound as query parameters.
func (c *Client) GetRecord(ctx context.Context, table, keyColumn string, key any) (Record, error) {
	if !identPattern.MatchString(table) || !identPattern.MatchString(keyColumn) {
		return nil, fmt.Errorf("invalid identifier %q.%q", table, keyColumn)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 LIMIT 1", table, keyColumn)
	rows, err := c.pool.Query(ctx, query, key)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &dbc.NotFoundError{Table: table, Key: key}
	}
	return records[0], nil
}

// ListRecords fetches all rows of an auxiliary table matching an equality
// filter. An empty filter lists the whole table; a filter matching nothing
// yields an empty slice, not an error.
func (c *Client) ListRecords(ctx context.Context, table string, filter map[string]any) ([]Record, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid identifier %q", table)
	}

	var (
		conditions []string
		args       []any
	)
	for _, col := range sortedKeys(filter) {
		if !identPattern.MatchString(col) {
			return nil, fmt.Errorf("invalid identifier %q.%q", table, col)
		}
		args = append(args, filter[col])
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	query := "SELECT * FROM " + table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	fields := rows.FieldDescriptions()
	records := []Record{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		rec := make(Record, len(fields))
		for i, fd := range fields {
			rec[fd.Name] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps driver errors onto the shared taxonomy: deadline overruns
// become *dbc.TimeoutError, network failures *dbc.ConnectionError, and
// anything else (schema mismatches, malformed queries) passes through.
func (c *Client) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &dbc.TimeoutError{Store: storeName, Timeout: c.timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &dbc.ConnectionError{Store: storeName, Err: err}
	}
	return err
}

// sortedKeys keeps placeholder order deterministic for logging and tests.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
