// Package dataset validates uploaded tabular datasets for the ingestion stage
// and computes the descriptive statistics the findings stage reasons over.
package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// ErrorKind identifies why a dataset was rejected.
type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindMissingColumn     ErrorKind = "missing_column"
	KindParseError        ErrorKind = "parse_error"
)

// Causes carried by a KindParseError.
var (
	ErrNoRows      = errors.New("no data rows")
	ErrTooManyRows = errors.New("too many rows")
)

// Error is a dataset validation failure. Every kind is permanent: the same
// bytes will fail the same way on retry.
type Error struct {
	Kind     ErrorKind
	Filename string
	Column   string
	Line     int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dataset")
	if e.Filename != "" {
		b.WriteString(" " + e.Filename)
	}
	b.WriteString(": " + string(e.Kind))
	if e.Column != "" {
		b.WriteString(fmt.Sprintf(" (column %q)", e.Column))
	}
	if e.Line > 0 {
		b.WriteString(fmt.Sprintf(" (line %d)", e.Line))
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against domain.ErrInvalidInput.
func (e *Error) Is(target error) bool { return target == domain.ErrInvalidInput }

// ErrorKind implements domain.KindedError.
func (e *Error) ErrorKind() domain.ErrorKind { return domain.KindPermanent }

// Format is a supported input encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// Rows is a parsed dataset: a header and string cells.
type Rows struct {
	Format  Format
	Columns []string
	Records [][]string
}

// Len returns the number of data rows.
func (r *Rows) Len() int { return len(r.Records) }

// Config controls validation.
type Config struct {
	// RequiredColumns must be present in the header.
	RequiredColumns []string
	// MaxRows rejects larger datasets. Zero disables the check.
	MaxRows int
}

// Validator parses and validates datasets. It is safe for concurrent use.
type Validator struct {
	cfg Config
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// DetectFormat maps a filename extension to a Format.
func DetectFormat(filename string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, true
	case ".tsv", ".tab":
		return FormatTSV, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// Validate parses data according to filename's extension and checks the
// required columns and row limit.
func (v *Validator) Validate(data []byte, filename string) (*Rows, error) {
	format, ok := DetectFormat(filename)
	if !ok {
		return nil, &Error{Kind: KindUnsupportedFormat, Filename: filename, Err: fmt.Errorf("extension %q", filepath.Ext(filename))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{Kind: KindParseError, Filename: filename, Err: ErrNoRows}
	}

	var (
		rows *Rows
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = parseDelimited(data, ',')
	case FormatTSV:
		rows, err = parseDelimited(data, '\t')
	case FormatJSON:
		rows, err = parseJSON(data)
	}
	if err != nil {
		var dErr *Error
		if errors.As(err, &dErr) {
			dErr.Filename = filename
			return nil, dErr
		}
		return nil, &Error{Kind: KindParseError, Filename: filename, Err: err}
	}
	rows.Format = format

	if rows.Len() == 0 {
		return nil, &Error{Kind: KindParseError, Filename: filename, Err: ErrNoRows}
	}
	if v.cfg.MaxRows > 0 && rows.Len() > v.cfg.MaxRows {
		return nil, &Error{Kind: KindParseError, Filename: filename, Err: fmt.Errorf("%w: %d exceeds limit of %d", ErrTooManyRows, rows.Len(), v.cfg.MaxRows)}
	}

	present := make(map[string]bool, len(rows.Columns))
	for _, c := range rows.Columns {
		present[c] = true
	}
	for _, req := range v.cfg.RequiredColumns {
		if !present[req] {
			return nil, &Error{Kind: KindMissingColumn, Filename: filename, Column: req}
		}
	}
	return rows, nil
}

func parseDelimited(data []byte, comma rune) (*Rows, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.TrimLeadingSpace = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		return nil, parseErr(err)
	}
	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if seen[h] {
			return nil, &Error{Kind: KindParseError, Column: h, Line: 1, Err: errors.New("duplicate column")}
		}
		seen[h] = true
		columns[i] = h
	}

	rows := &Rows{Columns: columns}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseErr(err)
		}
		rows.Records = append(rows.Records, rec)
	}
	return rows, nil
}

func parseErr(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &Error{Kind: KindParseError, Line: pe.Line, Err: pe.Err}
	}
	return &Error{Kind: KindParseError, Err: err}
}

func parseJSON(data []byte) (*Rows, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var objects []map[string]any
	if err := dec.Decode(&objects); err != nil {
		return nil, &Error{Kind: KindParseError, Err: fmt.Errorf("expected an array of objects: %w", err)}
	}

	colSet := make(map[string]bool)
	for _, obj := range objects {
		for k := range obj {
			colSet[k] = true
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := &Rows{Columns: columns, Records: make([][]string, 0, len(objects))}
	for _, obj := range objects {
		rec := make([]string, len(columns))
		for i, c := range columns {
			rec[i] = cellString(obj[c])
		}
		rows.Records = append(rows.Records, rec)
	}
	return rows, nil
}

func cellString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

var rowSummaryPattern = regexp.MustCompile(`(?i)^\s*(\d[\d,_]*)\s+rows?\b`)

// ParseRowSummary reads a textual summary such as "120 rows" and returns the
// row count.
func ParseRowSummary(s string) (int, bool) {
	m := rowSummaryPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.NewReplacer(",", "", "_", "").Replace(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}
