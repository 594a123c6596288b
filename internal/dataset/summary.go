package dataset

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// ColumnStats describes one column. Numeric stats are set only when every
// present cell parses as a number.
type ColumnStats struct {
	Name     string  `json:"name"`
	Count    int     `json:"count"`
	Missing  int     `json:"missing"`
	Numeric  bool    `json:"numeric"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	Min      float64 `json:"min"`
	Median   float64 `json:"median"`
	Max      float64 `json:"max"`
	Distinct int     `json:"distinct,omitempty"`
}

// Summary is the descriptive profile of a dataset.
type Summary struct {
	Format   Format        `json:"format"`
	RowCount int           `json:"row_count"`
	Columns  []ColumnStats `json:"columns"`
}

// Summarize computes per-column statistics. Standard deviation is the sample
// deviation and is zero for fewer than two values.
func Summarize(rows *Rows) Summary {
	s := Summary{Format: rows.Format, RowCount: rows.Len(), Columns: make([]ColumnStats, 0, len(rows.Columns))}

	for ci, name := range rows.Columns {
		cs := ColumnStats{Name: name}
		var values []float64
		distinct := make(map[string]struct{})
		for _, rec := range rows.Records {
			if ci >= len(rec) || strings.TrimSpace(rec[ci]) == "" {
				cs.Missing++
				continue
			}
			cell := strings.TrimSpace(rec[ci])
			cs.Count++
			distinct[cell] = struct{}{}
			if f, err := strconv.ParseFloat(cell, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				values = append(values, f)
			}
		}

		if len(values) > 0 && len(values) == cs.Count {
			cs.Numeric = true
			cs.Mean, cs.StdDev, cs.Min, cs.Median, cs.Max = describe(values)
		} else {
			cs.Distinct = len(distinct)
		}
		s.Columns = append(s.Columns, cs)
	}
	return s
}

// NumericColumns returns the names of numeric columns.
func (s Summary) NumericColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Numeric {
			out = append(out, c.Name)
		}
	}
	return out
}

func describe(values []float64) (mean, stdDev, lo, median, hi float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(n)

	if n > 1 {
		var sq float64
		for _, v := range sorted {
			sq += (v - mean) * (v - mean)
		}
		stdDev = math.Sqrt(sq / float64(n-1))
	}

	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}
	return mean, stdDev, sorted[0], median, sorted[n-1]
}
