package ml

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// NumericStats holds the imputation and scaling parameters of one numerical
// column.
type NumericStats struct {
	Mean  float64 `json:"mean"`
	Scale float64 `json:"scale"`
}

// CategoryStats holds the imputation value and one-hot vocabulary of one
// categorical column.
type CategoryStats struct {
	Mode  string   `json:"mode"`
	Vocab []string `json:"vocab"`
}

// Preprocessor imputes, standardizes and one-hot encodes engineered frames.
// Once fitted it is read-only and safe for concurrent Transform calls.
type Preprocessor struct {
	Schema      Schema          `json:"schema"`
	Numeric     []NumericStats  `json:"numeric"`
	Categorical []CategoryStats `json:"categorical"`

	indexOnce sync.Once
	index     []map[string]int
}

func FitPreprocessor(frame *Frame) (*Preprocessor, error) {
	if frame == nil || frame.Rows == 0 {
		return nil, errors.New("cannot fit preprocessor on an empty frame")
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if frame.Schema.Width() == 0 {
		return nil, errors.New("frame has no feature columns")
	}

	p := &Preprocessor{Schema: Schema{
		Numerical:   slices.Clone(frame.Schema.Numerical),
		Categorical: slices.Clone(frame.Schema.Categorical),
	}}
	for _, name := range frame.Schema.Numerical {
		col, _ := frame.Numeric(name)
		p.Numeric = append(p.Numeric, fitNumeric(col))
	}
	for _, name := range frame.Schema.Categorical {
		col, _ := frame.Categorical(name)
		p.Categorical = append(p.Categorical, fitCategory(col))
	}
	return p, nil
}

// fitNumeric computes the mean over observed values and the population
// standard deviation of the mean-imputed column.
func fitNumeric(col []float64) NumericStats {
	observed := make([]float64, 0, len(col))
	for _, v := range col {
		if !isMissing(v) {
			observed = append(observed, v)
		}
	}
	var mean float64
	if len(observed) > 0 {
		mean = stat.Mean(observed, nil)
	}
	imputed := make([]float64, len(col))
	for i, v := range col {
		if isMissing(v) {
			v = mean
		}
		imputed[i] = v
	}
	scale := stat.PopStdDev(imputed, nil)
	if scale == 0 || scale != scale {
		scale = 1
	}
	return NumericStats{Mean: mean, Scale: scale}
}

func fitCategory(col []string) CategoryStats {
	counts := make(map[string]int)
	for _, v := range col {
		if v != "" {
			counts[v]++
		}
	}
	vocab := make([]string, 0, len(counts))
	for v := range counts {
		vocab = append(vocab, v)
	}
	sort.Strings(vocab)

	var mode string
	best := 0
	for _, v := range vocab {
		if counts[v] > best {
			best = counts[v]
			mode = v
		}
	}
	return CategoryStats{Mode: mode, Vocab: vocab}
}

func (p *Preprocessor) buildIndex() {
	p.indexOnce.Do(func() {
		p.index = make([]map[string]int, len(p.Categorical))
		for i, c := range p.Categorical {
			m := make(map[string]int, len(c.Vocab))
			for j, v := range c.Vocab {
				m[v] = j
			}
			p.index[i] = m
		}
	})
}

// Width is the number of output columns.
func (p *Preprocessor) Width() int {
	w := len(p.Numeric)
	for _, c := range p.Categorical {
		w += len(c.Vocab)
	}
	return w
}

func (p *Preprocessor) FeatureNames() []string {
	names := make([]string, 0, p.Width())
	for _, name := range p.Schema.Numerical {
		names = append(names, "num__"+name)
	}
	for i, name := range p.Schema.Categorical {
		for _, v := range p.Categorical[i].Vocab {
			names = append(names, "cat__"+name+"_"+v)
		}
	}
	return names
}

func (p *Preprocessor) check() error {
	if len(p.Numeric) != len(p.Schema.Numerical) || len(p.Categorical) != len(p.Schema.Categorical) {
		return errors.New("preprocessor state does not match its schema")
	}
	if p.Width() == 0 {
		return ErrNotFitted
	}
	return nil
}

// missingColumns lists fitted columns the frame lacks or holds with the
// wrong kind.
func (p *Preprocessor) missingColumns(frame *Frame) []string {
	var missing []string
	for _, name := range p.Schema.Numerical {
		if _, ok := frame.Numeric(name); !ok {
			missing = append(missing, name)
		}
	}
	for _, name := range p.Schema.Categorical {
		if _, ok := frame.Categorical(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Transform maps a frame onto the fitted design matrix: the standardized
// numeric block followed by the one-hot blocks in schema order. Columns the
// preprocessor was not fitted on are ignored; a category outside the fitted
// vocabulary encodes as all zeros.
func (p *Preprocessor) Transform(frame *Frame) (*mat.Dense, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if frame == nil || frame.Rows == 0 {
		return nil, errors.New("cannot transform an empty frame")
	}
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	if missing := p.missingColumns(frame); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrSchemaMismatch, missing)
	}
	p.buildIndex()

	out := mat.NewDense(frame.Rows, p.Width(), nil)
	for j, name := range p.Schema.Numerical {
		col, _ := frame.Numeric(name)
		stats := p.Numeric[j]
		for i, v := range col {
			if isMissing(v) {
				v = stats.Mean
			}
			out.Set(i, j, (v-stats.Mean)/stats.Scale)
		}
	}

	offset := len(p.Numeric)
	for j, name := range p.Schema.Categorical {
		col, _ := frame.Categorical(name)
		stats := p.Categorical[j]
		for i, v := range col {
			if v == "" {
				v = stats.Mode
			}
			if k, ok := p.index[j][v]; ok {
				out.Set(i, offset+k, 1)
			}
		}
		offset += len(stats.Vocab)
	}
	return out, nil
}
