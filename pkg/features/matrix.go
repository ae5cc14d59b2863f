// Package features assembles the time-aligned feature matrix a forecasting
// model consumes.
//
// The assembler reconciles signals of different native resolutions onto one
// regular time grid without fabricating data: a grid point a signal cannot
// cover is either filled per the signal's declared policy or reported as
// missing, never silently invented.
package features

import (
	"fmt"
	"math"
	"time"
)

// Missing marks a grid point a signal did not cover. It is distinct from a
// legitimate zero; use IsMissing rather than comparing values.
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v is the missing-value marker.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// Matrix is the assembled feature table: a strictly regular time index and
// one equally sized column per input signal. It is built fresh per request
// and never cached across jobs.
type Matrix struct {
	Index   []time.Time
	names   []string
	columns map[string][]float64
}

// NewMatrix creates a Matrix over the given index. The index is assumed
// strictly increasing; the assembler constructs it that way.
func NewMatrix(index []time.Time) *Matrix {
	return &Matrix{
		Index:   index,
		columns: make(map[string][]float64),
	}
}

// AddColumn appends a named column. Fails when the name is taken or the
// length does not match the index.
func (m *Matrix) AddColumn(name string, values []float64) error {
	if _, ok := m.columns[name]; ok {
		return fmt.Errorf("column %q already exists", name)
	}
	if len(values) != len(m.Index) {
		return fmt.Errorf("column %q has %d values, index has %d rows", name, len(values), len(m.Index))
	}
	m.names = append(m.names, name)
	m.columns[name] = values
	return nil
}

// Column returns the named column, or false when it does not exist.
func (m *Matrix) Column(name string) ([]float64, bool) {
	col, ok := m.columns[name]
	return col, ok
}

// Names returns the column names in insertion order.
func (m *Matrix) Names() []string {
	return m.names
}

// Rows returns the number of grid points.
func (m *Matrix) Rows() int {
	return len(m.Index)
}
