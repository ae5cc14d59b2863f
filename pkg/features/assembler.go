package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/gridcast/pkg/jobs"
	"github.com/HatiCode/gridcast/pkg/tsdb"
)

// EmptyWindowError reports a request over an empty window (start >= end).
type EmptyWindowError struct {
	Start time.Time
	End   time.Time
}

func (e *EmptyWindowError) Error() string {
	return fmt.Sprintf("empty window: start %s is not before end %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// MissingDataError reports that a signal declared fill=fail left unfilled
// grid points. It carries enough context to identify what failed where.
type MissingDataError struct {
	JobID  int
	Signal string
	Start  time.Time
	End    time.Time
	Gaps   int
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("job %d: signal %q has %d unfilled grid points in [%s, %s)",
		e.JobID, e.Signal, e.Gaps, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// Querier is the slice of the time-series client the assembler needs.
type Querier interface {
	QueryRange(ctx context.Context, measurement, field string, tags tsdb.Tags, start, end time.Time, step time.Duration) ([]tsdb.Point, error)
}

// Assembler builds feature matrices for resolved prediction jobs.
type Assembler struct {
	ts     Querier
	logger *slog.Logger
}

// NewAssembler creates an Assembler over the given time-series querier.
func NewAssembler(ts Querier, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{ts: ts, logger: logger}
}

// Assemble queries every signal the job declares over [start, end), aligns
// the results onto the job-resolution grid and applies each signal's fill
// policy. The returned matrix has exactly (end-start)/resolution rows.
//
// Queries are issued sequentially; each signal reads a disjoint tag-filtered
// range, so a failure on one signal aborts without partial side effects.
func (a *Assembler) Assemble(ctx context.Context, job *jobs.PredictionJob, start, end time.Time) (*Matrix, error) {
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return nil, &EmptyWindowError{Start: start, End: end}
	}

	grid := buildGrid(start, end, job.Resolution)
	matrix := NewMatrix(grid)

	for _, signal := range job.Signals {
		points, err := a.ts.QueryRange(ctx, signal.Measurement, signal.Field, signal.Tags, start, end, signal.Resolution)
		if err != nil {
			return nil, fmt.Errorf("job %d: query signal %q: %w", job.ID, signal.Name, err)
		}

		column := alignToGrid(grid, points, signal.Resolution)
		gaps := applyFill(column, signal.Fill)
		if gaps > 0 && signal.Fill == jobs.FillFail {
			return nil, &MissingDataError{
				JobID:  job.ID,
				Signal: signal.Name,
				Start:  start,
				End:    end,
				Gaps:   gaps,
			}
		}

		if err := matrix.AddColumn(signal.Name, column); err != nil {
			return nil, fmt.Errorf("job %d: %w", job.ID, err)
		}

		a.logger.Debug("assembled signal",
			"job_id", job.ID,
			"signal", signal.Name,
			"points", len(points),
			"gaps", gaps,
		)
	}

	return matrix, nil
}

// buildGrid returns start, start+res, ... strictly below end.
func buildGrid(start, end time.Time, res time.Duration) []time.Time {
	n := int(end.Sub(start) / res)
	if end.Sub(start)%res != 0 {
		n++
	}
	grid := make([]time.Time, 0, n)
	for t := start; t.Before(end); t = t.Add(res) {
		grid = append(grid, t)
	}
	return grid
}

// alignToGrid reindexes points onto the grid with at-or-before alignment:
// each grid timestamp takes the latest point not after it, unless that point
// is more than one native-resolution interval older, in which case the grid
// point is missing rather than stale-filled. points must be sorted ascending,
// which QueryRange guarantees.
func alignToGrid(grid []time.Time, points []tsdb.Point, nativeRes time.Duration) []float64 {
	column := make([]float64, len(grid))
	next := 0
	last := -1
	for i, g := range grid {
		for next < len(points) && !points[next].Time.After(g) {
			last = next
			next++
		}
		if last >= 0 && g.Sub(points[last].Time) <= nativeRes {
			column[i] = points[last].Value
		} else {
			column[i] = Missing()
		}
	}
	return column
}

// applyFill applies the policy in place and returns how many grid points
// remain missing afterwards. FillFail performs no filling: its gaps are the
// caller's signal to abort.
func applyFill(column []float64, policy jobs.FillPolicy) int {
	switch policy {
	case jobs.FillForward:
		lastKnown := Missing()
		for i, v := range column {
			if IsMissing(v) {
				column[i] = lastKnown
			} else {
				lastKnown = v
			}
		}
	case jobs.FillZero:
		for i, v := range column {
			if IsMissing(v) {
				column[i] = 0
			}
		}
	}

	gaps := 0
	for _, v := range column {
		if IsMissing(v) {
			gaps++
		}
	}
	return gaps
}
