// Package extraction computes per-subject, per-dataset and per-study
// statistics from sparsely-accessed BIDS datasets, and serializes them as
// TSV tables with JSON sidecars.
package extraction

import (
	"fmt"
	"strconv"
)

// NA is the literal token missing values serialize as
const NA = "n/a"

// Metric is an optional numeric statistic. Missing values render as the
// literal "n/a" and round-trip through the TSV form; they are never dropped
// silently.
type Metric struct {
	value   float64
	valid   bool
	integer bool
}

// NAMetric returns the missing-value metric
func NAMetric() Metric {
	return Metric{}
}

// Float returns a valid floating-point metric
func Float(v float64) Metric {
	return Metric{value: v, valid: true}
}

// Int returns a valid integer metric
func Int(v int64) Metric {
	return Metric{value: float64(v), valid: true, integer: true}
}

// Valid reports whether the metric carries a value
func (m Metric) Valid() bool { return m.valid }

// Value returns the carried value; zero when invalid
func (m Metric) Value() float64 {
	if !m.valid {
		return 0
	}
	return m.value
}

// IntValue returns the carried value truncated to int64; zero when invalid
func (m Metric) IntValue() int64 {
	if !m.valid {
		return 0
	}
	return int64(m.value)
}

// String renders the metric for TSV output: "n/a" when missing, an integer
// literal for integer metrics, a shortest-form float otherwise.
func (m Metric) String() string {
	if !m.valid {
		return NA
	}
	if m.integer {
		return strconv.FormatInt(int64(m.value), 10)
	}
	return strconv.FormatFloat(m.value, 'g', -1, 64)
}

// ParseMetric parses a TSV cell back into a metric
func ParseMetric(s string) (Metric, error) {
	if s == NA || s == "" {
		return NAMetric(), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Metric{}, fmt.Errorf("invalid metric value %q: %w", s, err)
	}
	return Float(f), nil
}
