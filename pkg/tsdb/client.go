// Package tsdb is a thin client for the time-series store.
//
// The store speaks two wire dialects, both consumed here as opaque HTTP
// endpoints: range reads go through the Prometheus-compatible
// /api/v1/query_range API (VictoriaMetrics and compatible stores), and
// batched writes go through the InfluxDB line-protocol /write endpoint.
// A measurement/field pair maps onto the metric name "<measurement>_<field>",
// which is how line-protocol ingestion surfaces fields on the query side.
//
// The client never retries: transient failures surface as
// *dbc.ConnectionError or *dbc.TimeoutError and retry policy belongs to the
// caller. Range queries over windows without data return an empty slice.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/gridcast/pkg/config"
	"github.com/HatiCode/gridcast/pkg/dbc"
)

const storeName = "tsdb"

// Client issues range queries and batched writes against the time-series
// store. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	bucket  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client from the loaded configuration. timeout bounds every
// store call that arrives without its own deadline.
func New(cfg config.TSDB, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		bucket:  cfg.Bucket,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// QueryRange returns the points of one measurement field matching the tag
// filter with start <= t < end, ordered by timestamp ascending. step controls
// the server-side resolution of the range query. A window without data
// yields an empty slice, not an error.
//
// When the tag filter matches several series their values are summed per
// timestamp: load measurements are stored per system and a prediction
// target is the total over its linked systems.
func (c *Client) QueryRange(ctx context.Context, measurement, field string, tags Tags, start, end time.Time, step time.Duration) ([]Point, error) {
	if step <= 0 {
		step = time.Minute
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", selector(measurement, field, tags))
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	q.Set("step", strconv.Itoa(int(step.Seconds())))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &dbc.ConnectionError{
			Store: storeName,
			Err:   fmt.Errorf("query_range status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read query_range response: %w", err)
	}

	if status := gjson.GetBytes(body, "status").String(); status != "success" {
		return nil, fmt.Errorf("query_range status: %s", status)
	}

	points := parseRangeResult(gjson.GetBytes(body, "data.result"), tags, end)

	c.logger.Debug("range query complete",
		"measurement", measurement,
		"field", field,
		"points", len(points),
	)

	return points, nil
}

// parseRangeResult flattens the matrix result, summing values that share a
// timestamp and dropping samples at or past end to keep the window half-open.
func parseRangeResult(result gjson.Result, tags Tags, end time.Time) []Point {
	acc := make(map[int64]float64)
	result.ForEach(func(_, series gjson.Result) bool {
		series.Get("values").ForEach(func(_, pair gjson.Result) bool {
			vals := pair.Array()
			if len(vals) != 2 {
				return true
			}
			ts := int64(math.Round(vals[0].Float()))
			if !time.Unix(ts, 0).Before(end) {
				return true
			}
			acc[ts] += vals[1].Float()
			return true
		})
		return true
	})

	points := make([]Point, 0, len(acc))
	for ts, v := range acc {
		points = append(points, Point{
			Time:  time.Unix(ts, 0).UTC(),
			Value: v,
			Tags:  tags.Clone(),
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points
}

// WritePoints writes one batch of points to a measurement using the line
// protocol with second precision. The batch is atomic from the caller's
// perspective: either the store acknowledges all points or the call fails
// with *dbc.WriteError and nothing may be assumed persisted.
//
// Points must carry finite values and, per tag-set, non-decreasing
// timestamps; violations are rejected before anything is sent.
func (c *Client) WritePoints(ctx context.Context, measurement string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	body, err := encodeLineProtocol(measurement, points)
	if err != nil {
		return &dbc.WriteError{Measurement: measurement, Points: len(points), Err: err}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	u := fmt.Sprintf("%s/write?db=%s&precision=s", c.baseURL, url.QueryEscape(c.bucket))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &dbc.ConnectionError{
			Store: storeName,
			Err:   fmt.Errorf("write status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &dbc.WriteError{
			Measurement: measurement,
			Points:      len(points),
			Err:         fmt.Errorf("store rejected batch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	c.logger.Debug("wrote batch", "measurement", measurement, "points", len(points))
	return nil
}

// encodeLineProtocol renders the batch and enforces the write invariants:
// finite values only, and non-decreasing timestamps per tag-set.
func encodeLineProtocol(measurement string, points []Point) (string, error) {
	lastPerSeries := make(map[string]time.Time)

	var b strings.Builder
	for i, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return "", fmt.Errorf("point %d: value is not finite", i)
		}
		if p.Time.IsZero() {
			return "", fmt.Errorf("point %d: zero timestamp", i)
		}

		key := p.Tags.key()
		if last, ok := lastPerSeries[key]; ok && p.Time.Before(last) {
			return "", fmt.Errorf("point %d: timestamps not monotonic within batch for tag-set {%s}", i, key)
		}
		lastPerSeries[key] = p.Time

		b.WriteString(escapeMeasurement(measurement))
		for _, k := range sortedKeys(p.Tags) {
			b.WriteByte(',')
			b.WriteString(escapeTag(k))
			b.WriteByte('=')
			b.WriteString(escapeTag(p.Tags[k]))
		}
		b.WriteByte(' ')
		b.WriteString("value=")
		b.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))

		for _, k := range sortedKeys(p.Fields) {
			b.WriteByte(',')
			b.WriteString(escapeTag(k))
			b.WriteByte('=')
			if err := writeFieldValue(&b, p.Fields[k]); err != nil {
				return "", fmt.Errorf("point %d field %q: %w", i, k, err)
			}
		}

		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.Time.Unix(), 10))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func writeFieldValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return errors.New("value is not finite")
		}
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
		b.WriteByte('i')
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
		b.WriteByte('i')
	case string:
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(val))
		b.WriteByte('"')
	case bool:
		b.WriteString(strconv.FormatBool(val))
	default:
		return fmt.Errorf("unsupported field type %T", v)
	}
	return nil
}

// selector builds the instant-vector selector for a measurement field and
// tag filter, e.g. power_output{system="ems_1",type="measurement"}.
func selector(measurement, field string, tags Tags) string {
	var b strings.Builder
	b.WriteString(metricName(measurement, field))
	b.WriteByte('{')
	for i, k := range sortedKeys(tags) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(tags[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func metricName(measurement, field string) string {
	if field == "" || field == "value" {
		return measurement + "_value"
	}
	return measurement + "_" + field
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeMeasurement(s string) string {
	return strings.NewReplacer(",", `\,`, " ", `\ `).Replace(s)
}

func escapeTag(s string) string {
	return strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`).Replace(s)
}

// withTimeout applies the client timeout when the caller did not set a
// deadline of their own.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
}

// transportError classifies a failed round trip: deadline overruns become
// *dbc.TimeoutError, everything else *dbc.ConnectionError.
func (c *Client) transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &dbc.TimeoutError{Store: storeName, Timeout: c.timeout, Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &dbc.TimeoutError{Store: storeName, Timeout: c.timeout, Err: err}
	}
	return &dbc.ConnectionError{Store: storeName, Err: err}
}
