package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// TreeNode is one entry of a flattened regression tree. Leaves carry the
// value added to the prediction; internal nodes route rows with
// x[FeatureIdx] <= Threshold to LeftChild and everything else, NaN
// included, to RightChild.
type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	IsLeaf     bool    `json:"is_leaf"`
}

type RegressionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (t *RegressionTree) PredictRow(features []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, ErrNotFitted
	}
	idx := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		node := t.Nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(t.Nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
	return 0, errors.New("tree contains a cycle")
}

func (t *RegressionTree) Depth() int {
	var walk func(idx, depth int) int
	walk = func(idx, depth int) int {
		node := t.Nodes[idx]
		if node.IsLeaf {
			return depth
		}
		return max(walk(node.LeftChild, depth+1), walk(node.RightChild, depth+1))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0, 0)
}

// DecisionTreeRegressor fits a single second-order regression tree on the
// squared error. It is mostly useful as a quick baseline next to the
// boosted ensemble.
type DecisionTreeRegressor struct {
	MaxDepth       int            `json:"max_depth"`
	MinChildWeight float64        `json:"min_child_weight"`
	Lambda         float64        `json:"lambda"`
	BaseScore      float64        `json:"base_score"`
	FeatureCount   int            `json:"feature_count"`
	Tree           RegressionTree `json:"tree"`
}

func (dt *DecisionTreeRegressor) Fit(ctx context.Context, X mat.Matrix, y []float64, progress ProgressFunc) error {
	cols, err := checkTrainingData(X, y)
	if err != nil {
		return err
	}
	if dt.MaxDepth <= 0 {
		dt.MaxDepth = 3
	}
	builder := newTreeBuilder(cols, dt.MaxDepth, dt.Lambda, 0, dt.MinChildWeight)

	dt.BaseScore = meanOf(y)
	grad := make([]float64, len(y))
	hess := make([]float64, len(y))
	for i, target := range y {
		grad[i] = dt.BaseScore - target
		hess[i] = 1
	}
	tree, err := builder.build(ctx, grad, hess, allIndices(len(y)), allIndices(len(cols)), 1)
	if err != nil {
		return err
	}
	dt.Tree = tree
	dt.FeatureCount = len(cols)
	if progress != nil {
		progress(RoundProgress{Round: 1, Total: 1})
	}
	return nil
}

func (dt *DecisionTreeRegressor) Predict(X mat.Matrix) ([]float64, error) {
	return predictRows(X, dt.FeatureCount, func(row []float64) (float64, error) {
		v, err := dt.Tree.PredictRow(row)
		return dt.BaseScore + v, err
	})
}

// treeBuilder grows trees level by level on presorted feature columns, the
// exact greedy search of second-order boosting.
type treeBuilder struct {
	cols           [][]float64
	sorted         [][]int
	maxDepth       int
	lambda         float64
	gamma          float64
	minChildWeight float64
}

type candidateSplit struct {
	ok        bool
	feature   int
	threshold float64
	gain      float64
	leftG     float64
	leftH     float64
}

func newTreeBuilder(cols [][]float64, maxDepth int, lambda, gamma, minChildWeight float64) *treeBuilder {
	b := &treeBuilder{
		cols:           cols,
		sorted:         make([][]int, len(cols)),
		maxDepth:       maxDepth,
		lambda:         lambda,
		gamma:          gamma,
		minChildWeight: minChildWeight,
	}
	for f, col := range cols {
		order := make([]int, 0, len(col))
		for r, v := range col {
			if !math.IsNaN(v) {
				order = append(order, r)
			}
		}
		sort.SliceStable(order, func(i, j int) bool { return col[order[i]] < col[order[j]] })
		b.sorted[f] = order
	}
	return b
}

func (b *treeBuilder) build(ctx context.Context, grad, hess []float64, rows, features []int, scale float64) (RegressionTree, error) {
	n := len(grad)
	pos := make([]int, n)
	for i := range pos {
		pos[i] = -1
	}
	var rootG, rootH float64
	for _, r := range rows {
		pos[r] = 0
		rootG += grad[r]
		rootH += hess[r]
	}

	nodes := []TreeNode{leafNode()}
	nodeG := []float64{rootG}
	nodeH := []float64{rootH}
	frontier := []int{0}

	for depth := 0; depth < b.maxDepth && len(frontier) > 0; depth++ {
		best, err := b.findSplits(ctx, grad, hess, pos, frontier, features, len(nodes), nodeG, nodeH)
		if err != nil {
			return RegressionTree{}, err
		}

		var next []int
		for slot, id := range frontier {
			s := best[slot]
			if !s.ok {
				continue
			}
			left, right := len(nodes), len(nodes)+1
			nodes[id] = TreeNode{
				FeatureIdx: s.feature,
				Threshold:  s.threshold,
				LeftChild:  left,
				RightChild: right,
			}
			nodes = append(nodes, leafNode(), leafNode())
			nodeG = append(nodeG, s.leftG, nodeG[id]-s.leftG)
			nodeH = append(nodeH, s.leftH, nodeH[id]-s.leftH)
			next = append(next, left, right)
		}

		for r, p := range pos {
			if p < 0 || nodes[p].IsLeaf {
				continue
			}
			node := nodes[p]
			if b.cols[node.FeatureIdx][r] <= node.Threshold {
				pos[r] = node.LeftChild
			} else {
				pos[r] = node.RightChild
			}
		}
		frontier = next
	}

	for i := range nodes {
		if !nodes[i].IsLeaf {
			continue
		}
		denom := nodeH[i] + b.lambda
		if denom > 0 {
			nodes[i].Value = -nodeG[i] / denom * scale
		}
	}
	return RegressionTree{Nodes: nodes}, nil
}

// findSplits scans every candidate feature concurrently and returns, for each
// frontier node, the best split. Ties keep the lower feature index so results
// do not depend on scheduling.
func (b *treeBuilder) findSplits(ctx context.Context, grad, hess []float64, pos, frontier, features []int, nodeCount int, nodeG, nodeH []float64) ([]candidateSplit, error) {
	slot := make([]int, nodeCount)
	for i := range slot {
		slot[i] = -1
	}
	for s, id := range frontier {
		slot[id] = s
	}

	perFeature := make([][]candidateSplit, len(features))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range features {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perFeature[i] = b.scanFeature(f, grad, hess, pos, slot, frontier, nodeG, nodeH)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make([]candidateSplit, len(frontier))
	for i := range features {
		for s, c := range perFeature[i] {
			if !c.ok {
				continue
			}
			if !best[s].ok || c.gain > best[s].gain || (c.gain == best[s].gain && c.feature < best[s].feature) {
				best[s] = c
			}
		}
	}
	return best, nil
}

func (b *treeBuilder) scanFeature(f int, grad, hess []float64, pos, slot, frontier []int, nodeG, nodeH []float64) []candidateSplit {
	k := len(frontier)
	best := make([]candidateSplit, k)
	gl := make([]float64, k)
	hl := make([]float64, k)
	last := make([]float64, k)
	seen := make([]bool, k)
	col := b.cols[f]

	for _, r := range b.sorted[f] {
		p := pos[r]
		if p < 0 {
			continue
		}
		s := slot[p]
		if s < 0 {
			continue
		}
		v := col[r]
		if seen[s] && v > last[s] {
			G, H := nodeG[frontier[s]], nodeH[frontier[s]]
			gr, hr := G-gl[s], H-hl[s]
			if hl[s] >= b.minChildWeight && hr >= b.minChildWeight {
				gain := b.splitGain(gl[s], hl[s], gr, hr, G, H)
				if gain > 0 && (!best[s].ok || gain > best[s].gain) {
					best[s] = candidateSplit{
						ok:        true,
						feature:   f,
						threshold: midpoint(last[s], v),
						gain:      gain,
						leftG:     gl[s],
						leftH:     hl[s],
					}
				}
			}
		}
		gl[s] += grad[r]
		hl[s] += hess[r]
		last[s] = v
		seen[s] = true
	}
	return best
}

func (b *treeBuilder) splitGain(gl, hl, gr, hr, g, h float64) float64 {
	score := func(g, h float64) float64 {
		if h+b.lambda == 0 {
			return 0
		}
		return g * g / (h + b.lambda)
	}
	return 0.5*(score(gl, hl)+score(gr, hr)-score(g, h)) - b.gamma
}

// midpoint falls back to lo when the halfway value is not strictly below hi,
// which happens with infinities and adjacent floats.
func midpoint(lo, hi float64) float64 {
	mid := lo + (hi-lo)/2
	if math.IsInf(mid, 0) || math.IsNaN(mid) || mid >= hi {
		return lo
	}
	return mid
}

func leafNode() TreeNode {
	return TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1, IsLeaf: true}
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// checkTrainingData validates X/y and returns X in column-major form.
func checkTrainingData(X mat.Matrix, y []float64) ([][]float64, error) {
	if X == nil {
		return nil, errors.New("features are nil")
	}
	rows, width := X.Dims()
	if rows == 0 || width == 0 {
		return nil, errors.New("features or labels empty")
	}
	if rows != len(y) {
		return nil, fmt.Errorf("features and labels size mismatch: %d rows, %d labels", rows, len(y))
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("label %d is not finite", i)
		}
	}
	cols := make([][]float64, width)
	for j := range cols {
		cols[j] = mat.Col(nil, j, X)
	}
	return cols, nil
}

func predictRows(X mat.Matrix, width int, predict func([]float64) (float64, error)) ([]float64, error) {
	if width == 0 {
		return nil, ErrNotFitted
	}
	if X == nil {
		return nil, errors.New("features are nil")
	}
	rows, cols := X.Dims()
	if cols != width {
		return nil, fmt.Errorf("%w: model expects %d features, got %d", ErrSchemaMismatch, width, cols)
	}
	out := make([]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, X)
		v, err := predict(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
