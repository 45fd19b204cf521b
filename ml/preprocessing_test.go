package ml

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func testFrame() *Frame {
	f := NewFrame(4)
	f.RowIndex = []int{0, 1, 2, 3}
	f.Schema = Schema{Numerical: []string{"a", "b"}, Categorical: []string{"c"}}
	f.SetNumeric("a", []float64{1, 2, 3, math.NaN()})
	f.SetNumeric("b", []float64{5, 5, 5, 5})
	f.SetCategorical("c", []string{"y", "x", "y", ""})
	return f
}

func TestPreprocessorFit(t *testing.T) {
	p, err := FitPreprocessor(testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Numeric[0].Mean != 2 {
		t.Fatalf("expected mean 2 over observed values, got %v", p.Numeric[0].Mean)
	}
	// imputed column is 1,2,3,2
	if want := math.Sqrt(0.5); math.Abs(p.Numeric[0].Scale-want) > 1e-12 {
		t.Fatalf("expected scale %v, got %v", want, p.Numeric[0].Scale)
	}
	if p.Numeric[1].Scale != 1 {
		t.Fatalf("constant column should keep unit scale, got %v", p.Numeric[1].Scale)
	}
	if p.Categorical[0].Mode != "y" {
		t.Fatalf("expected mode y, got %q", p.Categorical[0].Mode)
	}
	if len(p.Categorical[0].Vocab) != 2 || p.Categorical[0].Vocab[0] != "x" {
		t.Fatalf("expected sorted vocab [x y], got %v", p.Categorical[0].Vocab)
	}
	names := p.FeatureNames()
	want := []string{"num__a", "num__b", "cat__c_x", "cat__c_y"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected feature names %v", names)
		}
	}
}

func TestPreprocessorTransform(t *testing.T) {
	frame := testFrame()
	p, err := FitPreprocessor(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	X, err := p.Transform(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, cols := X.Dims()
	if rows != 4 || cols != 4 {
		t.Fatalf("expected 4x4 matrix, got %dx%d", rows, cols)
	}
	if X.At(3, 0) != 0 {
		t.Fatalf("missing numeric should impute to the mean (0 after scaling), got %v", X.At(3, 0))
	}
	if X.At(0, 1) != 0 {
		t.Fatalf("constant column should standardize to 0, got %v", X.At(0, 1))
	}
	// missing category takes the mode y
	if X.At(3, 2) != 0 || X.At(3, 3) != 1 {
		t.Fatalf("missing category should encode as the mode, got %v %v", X.At(3, 2), X.At(3, 3))
	}
}

func TestPreprocessorUnseenCategory(t *testing.T) {
	p, err := FitPreprocessor(testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := NewFrame(1)
	f.RowIndex = []int{0}
	f.Schema = p.Schema
	f.SetNumeric("a", []float64{10})
	f.SetNumeric("b", []float64{5})
	f.SetCategorical("c", []string{"never seen"})

	X, err := p.Transform(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if X.At(0, 2) != 0 || X.At(0, 3) != 0 {
		t.Fatalf("unseen category should encode as all zeros")
	}
}

func TestPreprocessorSchemaMismatch(t *testing.T) {
	p, err := FitPreprocessor(testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := NewFrame(1)
	f.RowIndex = []int{0}
	f.Schema = Schema{Numerical: []string{"a"}, Categorical: []string{"c"}}
	f.SetNumeric("a", []float64{1})
	f.SetCategorical("c", []string{"x"})

	if _, err := p.Transform(f); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestPreprocessorEmptyFrame(t *testing.T) {
	if _, err := FitPreprocessor(NewFrame(0)); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestModeTieBreak(t *testing.T) {
	stats := fitCategory([]string{"b", "a", "b", "a"})
	if stats.Mode != "a" {
		t.Fatalf("expected lexicographically smallest mode, got %q", stats.Mode)
	}
}

func TestPreprocessorIgnoresExtraColumns(t *testing.T) {
	frame := testFrame()
	p, err := FitPreprocessor(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := p.Transform(frame)

	frame.Schema.Numerical = append([]string{"extra"}, frame.Schema.Numerical...)
	frame.SetNumeric("extra", []float64{9, 9, 9, 9})
	got, err := p.Transform(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mat.Equal(want, got) {
		t.Fatal("extra columns should not change the design matrix")
	}
}
