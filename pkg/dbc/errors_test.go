package dbc

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "connection error",
			err:  &ConnectionError{Store: "tsdb", Err: errors.New("refused")},
			want: true,
		},
		{
			name: "timeout error",
			err:  &TimeoutError{Store: "relational", Timeout: 5 * time.Second, Err: errors.New("deadline")},
			want: true,
		},
		{
			name: "wrapped connection error",
			err:  fmt.Errorf("query signal %q: %w", "load", &ConnectionError{Store: "tsdb", Err: errors.New("refused")}),
			want: true,
		},
		{
			name: "not found",
			err:  &NotFoundError{Table: "predictions", Key: 307},
			want: false,
		},
		{
			name: "write error",
			err:  &WriteError{Measurement: "prediction", Points: 10, Err: errors.New("rejected")},
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	for _, err := range []error{
		&ConnectionError{Store: "tsdb", Err: cause},
		&TimeoutError{Store: "tsdb", Timeout: time.Second, Err: cause},
		&WriteError{Measurement: "prediction", Points: 1, Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	err := &NotFoundError{Table: "predictions", Key: 307}
	want := "predictions: no record with key 307"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	werr := &WriteError{Measurement: "prediction", Points: 96, Err: errors.New("status 400")}
	if got := werr.Error(); got != `write 96 points to "prediction" failed: status 400` {
		t.Errorf("Error() = %q", got)
	}
}
