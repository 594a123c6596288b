package dataset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
)

const expressionCSV = `sample_id,gene,expression,group
s1,TP53,2.5,control
s2,TP53,3.5,treated
s3,BRCA1,,control
s4,BRCA1,6.0,treated
`

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	t.Run("csv", func(t *testing.T) {
		t.Parallel()
		rows, err := NewValidator(Config{RequiredColumns: []string{"sample_id", "expression"}}).
			Validate([]byte(expressionCSV), "expr.csv")
		require.NoError(t, err)
		assert.Equal(t, FormatCSV, rows.Format)
		assert.Equal(t, []string{"sample_id", "gene", "expression", "group"}, rows.Columns)
		assert.Equal(t, 4, rows.Len())
	})

	t.Run("tsv with BOM", func(t *testing.T) {
		t.Parallel()
		data := "\ufeffid\tvalue\n1\t10\n2\t20\n"
		rows, err := NewValidator(Config{RequiredColumns: []string{"id"}}).Validate([]byte(data), "DATA.TSV")
		require.NoError(t, err)
		assert.Equal(t, FormatTSV, rows.Format)
		assert.Equal(t, []string{"id", "value"}, rows.Columns)
	})

	t.Run("json array of objects", func(t *testing.T) {
		t.Parallel()
		data := `[{"b": 1.5, "a": "x"}, {"a": "y", "c": true}]`
		rows, err := NewValidator(Config{}).Validate([]byte(data), "rows.json")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, rows.Columns)
		assert.Equal(t, [][]string{{"x", "1.5", ""}, {"y", "", "true"}}, rows.Records)
	})
}

func TestValidator_ValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		data     string
		filename string
		kind     ErrorKind
		column   string
		cause    error
	}{
		{name: "unsupported extension", data: "a,b\n1,2\n", filename: "data.xlsx", kind: KindUnsupportedFormat},
		{name: "empty input", data: "  \n", filename: "data.csv", kind: KindParseError, cause: ErrNoRows},
		{name: "header only", data: "a,b\n", filename: "data.csv", kind: KindParseError, cause: ErrNoRows},
		{name: "missing column", cfg: Config{RequiredColumns: []string{"gene"}}, data: "a,b\n1,2\n", filename: "data.csv", kind: KindMissingColumn, column: "gene"},
		{name: "ragged row", data: "a,b\n1,2\n3\n", filename: "data.csv", kind: KindParseError},
		{name: "duplicate header", data: "a,a\n1,2\n", filename: "data.csv", kind: KindParseError, column: "a"},
		{name: "json object instead of array", data: `{"a": 1}`, filename: "data.json", kind: KindParseError},
		{name: "too many rows", cfg: Config{MaxRows: 1}, data: "a\n1\n2\n", filename: "data.csv", kind: KindParseError, cause: ErrTooManyRows},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewValidator(tc.cfg).Validate([]byte(tc.data), tc.filename)
			require.Error(t, err)

			var dErr *Error
			require.True(t, errors.As(err, &dErr))
			assert.Equal(t, tc.kind, dErr.Kind)
			assert.Equal(t, tc.column, dErr.Column)
			assert.Equal(t, tc.filename, dErr.Filename)
			if tc.cause != nil {
				assert.ErrorIs(t, err, tc.cause)
			}

			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, domain.KindPermanent, resilience.Classify(err))
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	rows, err := NewValidator(Config{}).Validate([]byte(expressionCSV), "expr.csv")
	require.NoError(t, err)

	s := Summarize(rows)
	assert.Equal(t, 4, s.RowCount)
	require.Len(t, s.Columns, 4)

	expr := s.Columns[2]
	assert.Equal(t, "expression", expr.Name)
	assert.True(t, expr.Numeric)
	assert.Equal(t, 3, expr.Count)
	assert.Equal(t, 1, expr.Missing)
	assert.InDelta(t, 4.0, expr.Mean, 1e-9)
	assert.InDelta(t, 1.802776, expr.StdDev, 1e-6)
	assert.InDelta(t, 2.5, expr.Min, 1e-9)
	assert.InDelta(t, 3.5, expr.Median, 1e-9)
	assert.InDelta(t, 6.0, expr.Max, 1e-9)

	group := s.Columns[3]
	assert.False(t, group.Numeric)
	assert.Equal(t, 2, group.Distinct)

	assert.Equal(t, []string{"expression"}, s.NumericColumns())
}

func TestParseRowSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"120 rows", 120, true},
		{"1 row", 1, true},
		{"  1,500 Rows of RNA-seq", 1500, true},
		{"rows: 120", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		got, ok := ParseRowSummary(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
