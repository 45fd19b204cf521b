package ml

import (
	"errors"
	"fmt"
	"math"

	"houseprice/housing"
)

// TrainingSet is an engineered frame with its targets aligned row by row.
type TrainingSet struct {
	Frame *Frame
	// Target holds prices on the original scale.
	Target  []float64
	Skipped []SkippedFeature
	Dropped int
}

// LogTarget returns the targets in the space the regressor is fitted on.
func (s *TrainingSet) LogTarget() []float64 {
	return Log1p(s.Target)
}

// BuildTrainingSet engineers a labeled dataset. Targets follow the rows
// that survive date parsing.
func BuildTrainingSet(ds *housing.Dataset) (*TrainingSet, error) {
	if ds == nil || !ds.HasTarget() {
		return nil, errors.New("dataset has no target column")
	}
	if len(ds.Target) != ds.Len() {
		return nil, fmt.Errorf("dataset has %d records but %d targets", ds.Len(), len(ds.Target))
	}
	result, err := Engineer(ds)
	if err != nil {
		return nil, err
	}
	target := make([]float64, result.Frame.Rows)
	for i, src := range result.Frame.RowIndex {
		v := ds.Target[src]
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= -1 {
			return nil, fmt.Errorf("row %d: target %v cannot be log-transformed", src, v)
		}
		target[i] = v
	}
	return &TrainingSet{
		Frame:   result.Frame,
		Target:  target,
		Skipped: result.Skipped,
		Dropped: result.DroppedRows,
	}, nil
}
