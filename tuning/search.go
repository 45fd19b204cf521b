// Package tuning 提供梯度提升模型的超参数搜索
package tuning

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"houseprice/apperrors"
	"houseprice/ml"
)

const (
	MethodGrid   = "grid"
	MethodRandom = "random"
)

// SearchConfig 搜索配置
type SearchConfig struct {
	Enabled         bool    `yaml:"enabled" split_words:"true"`
	Method          string  `yaml:"method" split_words:"true" validate:"oneof=grid random"` // 搜索方法
	MaxIterations   int     `yaml:"max_iterations" split_words:"true" validate:"gte=1"`     // 最多评估的参数组合数
	ValidationSplit float64 `yaml:"validation_split" split_words:"true" validate:"gt=0,lt=1"`
	MaxWorkers      int     `yaml:"max_workers" split_words:"true" validate:"gte=0"` // 0 表示 CPU 数
	RandomSeed      int64   `yaml:"random_seed" split_words:"true"`
	// Parameters 以 GBM 参数名为键，如 learning_rate、max_depth；为空时使用 DefaultParameters
	Parameters map[string]ParameterConfig `yaml:"parameters" ignored:"true"`
}

// ParameterConfig 单个参数的取值：Values 优先，否则按 Min/Max/Step 生成
type ParameterConfig struct {
	Values []float64 `yaml:"values"`
	Min    float64   `yaml:"min"`
	Max    float64   `yaml:"max"`
	Step   float64   `yaml:"step"`
}

// DefaultSearchConfig 默认配置，搜索关闭
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Method:          MethodGrid,
		MaxIterations:   20,
		ValidationSplit: 0.2,
		RandomSeed:      42,
	}
}

// DefaultParameters 学习率与树深度的小网格
func DefaultParameters() map[string]ParameterConfig {
	return map[string]ParameterConfig{
		"learning_rate": {Values: []float64{0.03, 0.05, 0.1}},
		"max_depth":     {Values: []float64{3, 5, 7}},
	}
}

// Trial 一组参数及其在验证集上的指标（原始价格尺度）
type Trial struct {
	Params  ml.GBMParams `json:"params"`
	Metrics ml.Metrics   `json:"metrics"`
}

// Result 搜索结果，Trials 按 RMSE 升序
type Result struct {
	Best           Trial   `json:"best"`
	Trials         []Trial `json:"trials"`
	TrainRows      int     `json:"train_rows"`
	ValidationRows int     `json:"validation_rows"`
}

// dimension 参数空间的一维
type dimension struct {
	name   string
	values []float64
}

// Search 参数优化器
type Search struct {
	cfg    SearchConfig
	base   ml.GBMParams
	space  []dimension
	logger *zap.Logger

	mu       sync.Mutex
	done     int
	total    int
	progress func(done, total int)
}

// NewSearch 校验参数空间；base 提供未搜索参数的取值
func NewSearch(cfg SearchConfig, base ml.GBMParams, logger *zap.Logger) (*Search, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}
	if len(cfg.Parameters) == 0 {
		cfg.Parameters = DefaultParameters()
	}
	space, err := buildSpace(cfg.Parameters)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, err)
	}
	return &Search{cfg: cfg, base: base, space: space, logger: logger}, nil
}

// OnProgress 每评估完一组参数回调一次
func (s *Search) OnProgress(fn func(done, total int)) {
	s.progress = fn
}

func buildSpace(params map[string]ParameterConfig) ([]dimension, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	space := make([]dimension, 0, len(names))
	for _, name := range names {
		values, err := dimensionValues(name, params[name])
		if err != nil {
			return nil, err
		}
		space = append(space, dimension{name: name, values: values})
	}
	return space, nil
}

func dimensionValues(name string, cfg ParameterConfig) ([]float64, error) {
	probe := ml.DefaultGBMParams()
	if err := apply(&probe, name, 1); err != nil {
		return nil, err
	}
	values := cfg.Values
	if len(values) == 0 {
		if cfg.Step <= 0 || cfg.Max < cfg.Min {
			return nil, fmt.Errorf("parameter %s: needs values or min <= max with a positive step", name)
		}
		// 步长累加会有浮点误差，按步数生成
		steps := int(math.Floor((cfg.Max-cfg.Min)/cfg.Step + 1e-9))
		for i := 0; i <= steps; i++ {
			values = append(values, cfg.Min+float64(i)*cfg.Step)
		}
	}
	if integerParam(name) {
		seen := make(map[float64]bool, len(values))
		rounded := make([]float64, 0, len(values))
		for _, v := range values {
			r := math.Round(v)
			if !seen[r] {
				seen[r] = true
				rounded = append(rounded, r)
			}
		}
		values = rounded
	}
	return values, nil
}

func integerParam(name string) bool {
	return name == "n_estimators" || name == "max_depth"
}

// apply 把搜索值写入对应参数
func apply(p *ml.GBMParams, name string, v float64) error {
	switch name {
	case "n_estimators":
		p.NEstimators = int(math.Round(v))
	case "max_depth":
		p.MaxDepth = int(math.Round(v))
	case "learning_rate":
		p.LearningRate = v
	case "subsample":
		p.Subsample = v
	case "colsample_bytree":
		p.ColsampleByTree = v
	case "lambda":
		p.Lambda = v
	case "gamma":
		p.Gamma = v
	case "min_child_weight":
		p.MinChildWeight = v
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

// Candidates 返回将要评估的参数组合
func (s *Search) Candidates() []ml.GBMParams {
	var combos [][]float64
	switch s.cfg.Method {
	case MethodRandom:
		combos = s.randomCombinations()
	default:
		combos = s.gridCombinations()
	}

	out := make([]ml.GBMParams, len(combos))
	for i, combo := range combos {
		p := s.base
		for d, v := range combo {
			_ = apply(&p, s.space[d].name, v)
		}
		out[i] = p
	}
	return out
}

// gridCombinations 笛卡尔积，超过 MaxIterations 时截断
func (s *Search) gridCombinations() [][]float64 {
	var combos [][]float64
	current := make([]float64, len(s.space))
	var walk func(d int) bool
	walk = func(d int) bool {
		if len(combos) >= s.cfg.MaxIterations {
			return false
		}
		if d == len(s.space) {
			combos = append(combos, append([]float64(nil), current...))
			return true
		}
		for _, v := range s.space[d].values {
			current[d] = v
			if !walk(d + 1) {
				return false
			}
		}
		return true
	}
	walk(0)
	return combos
}

// randomCombinations 随机抽样，去重
func (s *Search) randomCombinations() [][]float64 {
	total := 1
	for _, dim := range s.space {
		total *= len(dim.values)
	}
	want := min(s.cfg.MaxIterations, total)

	rng := rand.New(rand.NewSource(s.cfg.RandomSeed))
	seen := make(map[string]bool, want)
	combos := make([][]float64, 0, want)
	for attempts := 0; len(combos) < want && attempts < want*20; attempts++ {
		combo := make([]float64, len(s.space))
		parts := make([]string, len(s.space))
		for d, dim := range s.space {
			combo[d] = dim.values[rng.Intn(len(dim.values))]
			parts[d] = strconv.FormatFloat(combo[d], 'g', -1, 64)
		}
		key := strings.Join(parts, ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		combos = append(combos, combo)
	}
	return combos
}

// Run 在训练集上划出验证集，逐组拟合并评估
func (s *Search) Run(ctx context.Context, set *ml.TrainingSet) (*Result, error) {
	trainRows, valRows, err := s.split(set.Frame.Rows)
	if err != nil {
		return nil, err
	}
	trainFrame := set.Frame.Select(trainRows)
	valFrame := set.Frame.Select(valRows)
	trainTarget := make([]float64, len(trainRows))
	for i, r := range trainRows {
		trainTarget[i] = set.Target[r]
	}
	valTarget := make([]float64, len(valRows))
	for i, r := range valRows {
		valTarget[i] = set.Target[r]
	}
	yLog := ml.Log1p(trainTarget)

	candidates := s.Candidates()
	s.mu.Lock()
	s.done, s.total = 0, len(candidates)
	s.mu.Unlock()
	s.logger.Info("parameter search started",
		zap.String("method", s.cfg.Method),
		zap.Int("candidates", len(candidates)),
		zap.Int("train_rows", len(trainRows)),
		zap.Int("validation_rows", len(valRows)))

	workers := s.cfg.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	trials := make([]Trial, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, params := range candidates {
		g.Go(func() error {
			m, err := evaluate(gctx, params, trainFrame, yLog, valFrame, valTarget)
			if err != nil {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			trials[i] = Trial{Params: params, Metrics: m}
			s.finished(params, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(trials, func(a, b int) bool {
		return trials[a].Metrics.RMSE < trials[b].Metrics.RMSE
	})
	res := &Result{
		Best:           trials[0],
		Trials:         trials,
		TrainRows:      len(trainRows),
		ValidationRows: len(valRows),
	}
	s.logger.Info("parameter search completed", zap.Stringer("best", res.Best.Metrics))
	return res, nil
}

func (s *Search) finished(params ml.GBMParams, m ml.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++

	s.logger.Debug("candidate evaluated",
		zap.Int("done", s.done),
		zap.Int("total", s.total),
		zap.Int("n_estimators", params.NEstimators),
		zap.Int("max_depth", params.MaxDepth),
		zap.Float64("learning_rate", params.LearningRate),
		zap.Float64("rmse", m.RMSE))
	// 回调在锁内执行，调用方无需自行同步
	if s.progress != nil {
		s.progress(s.done, s.total)
	}
}

// Progress 已完成比例
func (s *Search) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 0
	}
	return float64(s.done) / float64(s.total)
}

// split 按随机种子打乱后切分训练/验证行
func (s *Search) split(n int) (train, val []int, err error) {
	nVal := int(math.Round(float64(n) * s.cfg.ValidationSplit))
	if nVal < 1 || n-nVal < 2 {
		return nil, nil, apperrors.Wrapf(apperrors.ErrDataLoad,
			"%d rows are too few for a %.2f validation split", n, s.cfg.ValidationSplit)
	}
	perm := rand.New(rand.NewSource(s.cfg.RandomSeed)).Perm(n)
	val = append([]int(nil), perm[:nVal]...)
	train = append([]int(nil), perm[nVal:]...)
	sort.Ints(val)
	sort.Ints(train)
	return train, val, nil
}

func evaluate(ctx context.Context, params ml.GBMParams, train *ml.Frame, yLog []float64, val *ml.Frame, actual []float64) (ml.Metrics, error) {
	pl := ml.NewPipeline(ml.NewGBMRegressor(params))
	if err := pl.Fit(ctx, train, yLog, nil); err != nil {
		return ml.Metrics{}, err
	}
	predicted, err := pl.Predict(val)
	if err != nil {
		return ml.Metrics{}, err
	}
	return ml.Evaluate(actual, predicted)
}
