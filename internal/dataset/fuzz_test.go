package dataset

import (
	"errors"
	"strings"
	"testing"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// FuzzValidate checks that no upload panics the validator and that every
// rejection is a *Error classified as invalid input.
func FuzzValidate(f *testing.F) {
	seeds := []struct {
		data     string
		filename string
	}{
		{expressionCSV, "expr.csv"},
		{"a\tb\n1\t2\n", "x.tsv"},
		{`[{"a":1,"b":"x"},{"a":null}]`, "x.json"},
		{`{"not":"an array"}`, "x.json"},
		{"\"unterminated,quote\n", "x.csv"},
		{"a,b\n1,2,3\n", "x.csv"},
		{"", "x.csv"},
		{string([]byte{0xfe, 0xff, 0x00}), "x.csv"},
		{strings.Repeat("a,", 500) + "\n", "wide.csv"},
		{"a\n1\n", "../../etc/passwd"},
	}
	for _, s := range seeds {
		f.Add([]byte(s.data), s.filename)
	}

	v := NewValidator(Config{MaxRows: 50})
	f.Fuzz(func(t *testing.T, data []byte, filename string) {
		rows, err := v.Validate(data, filename)
		if err != nil {
			var dErr *Error
			if !errors.As(err, &dErr) {
				t.Fatalf("error %T is not a *dataset.Error: %v", err, err)
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("error %v does not match ErrInvalidInput", err)
			}
			return
		}
		if rows.Len() == 0 || rows.Len() > 50 {
			t.Fatalf("accepted %d rows", rows.Len())
		}
	})
}
