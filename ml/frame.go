package ml

import (
	"fmt"
	"math"
	"slices"
)

// Schema is the ordered set of columns a fitted pipeline consumes.
type Schema struct {
	Numerical   []string `json:"numerical"`
	Categorical []string `json:"categorical"`
}

func (s Schema) Columns() []string {
	cols := make([]string, 0, len(s.Numerical)+len(s.Categorical))
	cols = append(cols, s.Numerical...)
	return append(cols, s.Categorical...)
}

func (s Schema) Equal(other Schema) bool {
	return slices.Equal(s.Numerical, other.Numerical) && slices.Equal(s.Categorical, other.Categorical)
}

func (s Schema) Width() int {
	return len(s.Numerical) + len(s.Categorical)
}

// Diff describes how other differs from s, for error messages.
func (s Schema) Diff(other Schema) string {
	missing := difference(s.Columns(), other.Columns())
	extra := difference(other.Columns(), s.Columns())
	if len(missing) == 0 && len(extra) == 0 {
		return "column order differs"
	}
	return fmt.Sprintf("missing %v, unexpected %v", missing, extra)
}

func difference(a, b []string) []string {
	var out []string
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

// Frame is a column-major engineered table. Missing numerics are NaN,
// missing categoricals are the empty string.
type Frame struct {
	Schema Schema
	Rows   int
	// RowIndex maps each frame row back to its position in the source dataset.
	RowIndex []int

	numeric     map[string][]float64
	categorical map[string][]string
}

func NewFrame(rows int) *Frame {
	return &Frame{
		Rows:        rows,
		numeric:     make(map[string][]float64),
		categorical: make(map[string][]string),
	}
}

func (f *Frame) Numeric(name string) ([]float64, bool) {
	col, ok := f.numeric[name]
	return col, ok
}

func (f *Frame) Categorical(name string) ([]string, bool) {
	col, ok := f.categorical[name]
	return col, ok
}

// Value returns the cell at row/name as float64 or string.
func (f *Frame) Value(row int, name string) (any, bool) {
	if col, ok := f.numeric[name]; ok {
		return col[row], true
	}
	if col, ok := f.categorical[name]; ok {
		return col[row], true
	}
	return nil, false
}

// Columns lists every column held by the frame in schema order.
func (f *Frame) Columns() []string {
	return f.Schema.Columns()
}

// SetNumeric replaces or adds a numeric column. It is used by tests and the
// engineer; the schema is not touched.
func (f *Frame) SetNumeric(name string, values []float64) {
	f.numeric[name] = values
}

func (f *Frame) SetCategorical(name string, values []string) {
	f.categorical[name] = values
}

func (f *Frame) drop(name string) {
	delete(f.numeric, name)
	delete(f.categorical, name)
}

func (f *Frame) has(name string) bool {
	_, num := f.numeric[name]
	_, cat := f.categorical[name]
	return num || cat
}

// Select returns a frame holding the given rows.
func (f *Frame) Select(rows []int) *Frame {
	out := NewFrame(len(rows))
	out.Schema = f.Schema
	out.RowIndex = make([]int, len(rows))
	for i, r := range rows {
		out.RowIndex[i] = f.RowIndex[r]
	}
	for name, col := range f.numeric {
		sel := make([]float64, len(rows))
		for i, r := range rows {
			sel[i] = col[r]
		}
		out.numeric[name] = sel
	}
	for name, col := range f.categorical {
		sel := make([]string, len(rows))
		for i, r := range rows {
			sel[i] = col[r]
		}
		out.categorical[name] = sel
	}
	return out
}

// Validate checks that the frame holds exactly its schema columns with the
// right length.
func (f *Frame) Validate() error {
	for _, name := range f.Schema.Numerical {
		col, ok := f.numeric[name]
		if !ok {
			return fmt.Errorf("numeric column %q missing from frame", name)
		}
		if len(col) != f.Rows {
			return fmt.Errorf("numeric column %q has %d rows, want %d", name, len(col), f.Rows)
		}
	}
	for _, name := range f.Schema.Categorical {
		col, ok := f.categorical[name]
		if !ok {
			return fmt.Errorf("categorical column %q missing from frame", name)
		}
		if len(col) != f.Rows {
			return fmt.Errorf("categorical column %q has %d rows, want %d", name, len(col), f.Rows)
		}
	}
	if got := len(f.numeric) + len(f.categorical); got != f.Schema.Width() {
		return fmt.Errorf("frame holds %d columns, schema declares %d", got, f.Schema.Width())
	}
	return nil
}

func isMissing(v float64) bool {
	return math.IsNaN(v)
}
