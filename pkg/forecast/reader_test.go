package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HatiCode/gridcast/pkg/dbc"
	"github.com/HatiCode/gridcast/pkg/storage"
	"github.com/HatiCode/gridcast/pkg/tsdb"
)

type fakeRangeQuerier struct {
	points []tsdb.Point
	err    error
	calls  int
}

func (f *fakeRangeQuerier) QueryRange(ctx context.Context, measurement, field string, tags tsdb.Tags, start, end time.Time, step time.Duration) ([]tsdb.Point, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

func TestLatest_FromCache(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cache := storage.NewMemoryStore()
	if err := cache.Put(context.Background(), storage.Snapshot{
		JobID:        307,
		HorizonHours: 47,
		Quantile:     0.5,
		GeneratedAt:  base,
		Times:        []time.Time{base, base.Add(15 * time.Minute)},
		Values:       []float64{100, 110},
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ts := &fakeRangeQuerier{}
	r := NewReader(ts, cache, nil)

	values, err := r.Latest(context.Background(), writerJob(), 47*time.Hour, 0.5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}

	if ts.calls != 0 {
		t.Error("cache hit must not touch the time-series store")
	}
	if len(values) != 2 || values[1].Value != 110 {
		t.Errorf("values = %v", values)
	}
}

func TestLatest_FallsBackToStore(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	ts := &fakeRangeQuerier{points: []tsdb.Point{
		{Time: base, Value: 100},
		{Time: base.Add(15 * time.Minute), Value: 110},
	}}
	r := NewReader(ts, storage.NewMemoryStore(), nil)

	values, err := r.Latest(context.Background(), writerJob(), 47*time.Hour, 0.5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}

	if ts.calls != 1 {
		t.Errorf("store calls = %d, want 1", ts.calls)
	}
	if len(values) != 2 || values[0].Value != 100 {
		t.Errorf("values = %v", values)
	}
}

func TestLatest_NoCacheConfigured(t *testing.T) {
	ts := &fakeRangeQuerier{}
	r := NewReader(ts, nil, nil)

	values, err := r.Latest(context.Background(), writerJob(), 47*time.Hour, 0.5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if ts.calls != 1 {
		t.Errorf("store calls = %d, want 1", ts.calls)
	}
	if len(values) != 0 {
		t.Errorf("values = %v, want empty for unwritten key", values)
	}
}

func TestLatest_StoreErrorPropagates(t *testing.T) {
	ts := &fakeRangeQuerier{err: &dbc.ConnectionError{Store: "tsdb", Err: errors.New("refused")}}
	r := NewReader(ts, nil, nil)

	_, err := r.Latest(context.Background(), writerJob(), 47*time.Hour, 0.5)
	if !dbc.Retryable(err) {
		t.Errorf("Latest() error = %v, want retryable connection error", err)
	}
}
