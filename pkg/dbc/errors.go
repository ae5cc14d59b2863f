// Package dbc defines the error taxonomy shared by the store clients.
//
// Both backing stores (the time-series store and the relational store) can
// fail in the same handful of ways, and the retry policy at the orchestration
// boundary needs to tell transient failures apart from permanent ones without
// knowing which store produced them. The types here are that contract:
//
//   - ConnectionError: the store is unreachable or rejected authentication;
//     retryable by the caller, never retried by a client.
//   - TimeoutError: a store call exceeded its deadline; retryable.
//   - NotFoundError: the requested entity does not exist; not retryable.
//   - WriteError: the store rejected a write batch; not retryable.
//
// Domain-level errors (invalid job configuration, unfillable signal gaps)
// live in the packages that detect them.
package dbc

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError reports that a store could not be reached.
type ConnectionError struct {
	Store string // "tsdb" or "relational"
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Store, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that a store call exceeded its deadline.
type TimeoutError struct {
	Store   string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: call timed out after %v: %v", e.Store, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NotFoundError reports that a keyed lookup matched nothing.
type NotFoundError struct {
	Table string
	Key   any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no record with key %v", e.Table, e.Key)
}

// WriteError reports that the store rejected a write batch. The batch is
// all-or-nothing from the caller's perspective: when Write fails no points
// from the batch may be assumed persisted.
type WriteError struct {
	Measurement string
	Points      int
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %d points to %q failed: %v", e.Points, e.Measurement, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Retryable reports whether err is transient: a connection failure or a
// timeout. Everything else (not found, invalid configuration, rejected
// writes) must be surfaced, not retried.
func Retryable(err error) bool {
	var connErr *ConnectionError
	var timeoutErr *TimeoutError
	return errors.As(err, &connErr) || errors.As(err, &timeoutErr)
}
