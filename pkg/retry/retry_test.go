package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HatiCode/gridcast/pkg/dbc"
)

func fastPolicy() *Policy {
	return &Policy{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &dbc.ConnectionError{Store: "tsdb", Err: errors.New("refused")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	transient := &dbc.TimeoutError{Store: "tsdb", Timeout: time.Second, Err: errors.New("deadline")}

	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})

	if !errors.Is(err, transient) {
		t.Fatalf("Do() error = %v, want last transient error", err)
	}
	// Initial attempt plus MaxRetries.
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_NeverRetriesPermanentFailures(t *testing.T) {
	permanent := []error{
		&dbc.NotFoundError{Table: "predictions", Key: 307},
		&dbc.WriteError{Measurement: "prediction", Points: 1, Err: errors.New("rejected")},
		errors.New("plain failure"),
	}

	for _, want := range permanent {
		calls := 0
		err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("Do() error = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("calls = %d for %T, want 1 (no retry)", calls, want)
		}
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := fastPolicy().Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return &dbc.ConnectionError{Store: "tsdb", Err: errors.New("refused")}
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancel stops the backoff wait)", calls)
	}
}

func TestDo_InvalidConfiguration(t *testing.T) {
	p := &Policy{MaxRetries: -1, InitialInterval: time.Millisecond}
	if err := p.Do(context.Background(), func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Do() error = nil for negative MaxRetries")
	}

	p = &Policy{MaxRetries: 1, InitialInterval: 0}
	if err := p.Do(context.Background(), func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Do() error = nil for zero InitialInterval")
	}
}

func TestDo_WithBreaker(t *testing.T) {
	p := fastPolicy().WithBreaker("tsdb-test")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return &dbc.ConnectionError{Store: "tsdb", Err: errors.New("refused")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", p.MaxRetries)
	}
	if p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval {
		t.Errorf("intervals = %v, %v", p.InitialInterval, p.MaxInterval)
	}
}
