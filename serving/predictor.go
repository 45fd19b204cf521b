// Package serving holds the fitted pipeline behind the prediction API: it
// loads the artifact, answers prediction requests and swaps in retrained
// artifacts without a restart.
package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"houseprice/apperrors"
	"houseprice/housing"
	"houseprice/ml"
)

const defaultCacheSize = 4096

// Model is the part of a fitted pipeline the service needs.
type Model interface {
	PredictLog(frame *ml.Frame) ([]float64, error)
}

// Loader reads a fitted model from path.
type Loader func(path string) (Model, error)

// Observer receives serving events. *monitoring.Metrics satisfies it.
type Observer interface {
	ObservePrediction(source string, rows int, err error, elapsed time.Duration)
	CacheHit()
	CacheMiss()
	ObserveReload(err error, available bool)
}

type nopObserver struct{}

func (nopObserver) ObservePrediction(string, int, error, time.Duration) {}
func (nopObserver) CacheHit()                                          {}
func (nopObserver) CacheMiss()                                         {}
func (nopObserver) ObserveReload(error, bool)                          {}

// Prediction is the price estimated for the record at position Row of the
// request batch.
type Prediction struct {
	Row   int             `json:"row"`
	Price decimal.Decimal `json:"predicted_price"`
}

// Status describes the model currently served.
type Status struct {
	Available  bool      `json:"available"`
	Path       string    `json:"path"`
	Generation uint64    `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Meta       *ml.Meta  `json:"meta,omitempty"`
}

type Option func(*Predictor)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Predictor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCacheSize bounds the per-record cache. Zero or less disables caching.
func WithCacheSize(size int) Option {
	return func(p *Predictor) { p.cacheSize = size }
}

func WithObserver(o Observer) Option {
	return func(p *Predictor) {
		if o != nil {
			p.observer = o
		}
	}
}

func WithLoader(l Loader) Option {
	return func(p *Predictor) {
		if l != nil {
			p.loader = l
		}
	}
}

// WithSource labels the predictions this service reports to its observer.
func WithSource(source string) Option {
	return func(p *Predictor) { p.source = source }
}

func loadPipeline(path string) (Model, error) {
	return ml.LoadPipeline(path)
}

type snapshot struct {
	model    Model
	gen      uint64
	loadedAt time.Time
}

// Predictor serves predictions from the artifact at a fixed path. It is safe
// for concurrent use; Reload swaps the model atomically.
type Predictor struct {
	path      string
	logger    *zap.Logger
	observer  Observer
	loader    Loader
	source    string
	cacheSize int
	cache     *lru.Cache[string, float64]

	mu      sync.RWMutex
	current *snapshot
	loadErr error
	gen     uint64
}

// NewPredictor loads the artifact once. A failed load is not an error: the
// predictor starts unavailable and Ready reports why.
func NewPredictor(path string, opts ...Option) (*Predictor, error) {
	p := &Predictor{
		path:      path,
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		loader:    loadPipeline,
		source:    "api",
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cacheSize > 0 {
		cache, err := lru.New[string, float64](p.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		p.cache = cache
	}

	if err := p.Reload(); err != nil {
		p.logger.Warn("model not available at startup", zap.String("path", path), zap.Error(err))
	}
	return p, nil
}

// Ready returns nil when a model is loaded, otherwise the load failure.
func (p *Predictor) Ready() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current != nil {
		return nil
	}
	return p.unavailable()
}

// unavailable must be called with mu held.
func (p *Predictor) unavailable() error {
	if p.loadErr != nil {
		return apperrors.Wrap(apperrors.ErrModelUnavailable, p.loadErr)
	}
	return apperrors.Wrapf(apperrors.ErrModelUnavailable, "no model loaded from %s", p.path)
}

// Reload reads the artifact again. On failure the previously loaded model,
// if any, keeps serving and the error is returned.
func (p *Predictor) Reload() error {
	model, err := p.loader(p.path)
	if err == nil && model == nil {
		err = errors.New("loader returned no model")
	}

	p.mu.Lock()
	if err != nil {
		if p.current == nil {
			p.loadErr = err
		}
		available := p.current != nil
		p.mu.Unlock()
		p.observer.ObserveReload(err, available)
		if !errors.Is(err, apperrors.ErrModelUnavailable) {
			err = apperrors.Wrap(apperrors.ErrModelUnavailable, err)
		}
		return err
	}
	p.gen++
	p.current = &snapshot{model: model, gen: p.gen, loadedAt: time.Now()}
	p.loadErr = nil
	gen := p.gen
	p.mu.Unlock()

	if p.cache != nil {
		p.cache.Purge()
	}
	p.observer.ObserveReload(nil, true)
	p.logger.Info("model loaded", zap.String("path", p.path), zap.Uint64("generation", gen))
	return nil
}

func (p *Predictor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Status{Path: p.path, Generation: p.gen}
	if p.current == nil {
		s.Error = p.unavailable().Error()
		return s
	}
	s.Available = true
	s.LoadedAt = p.current.loadedAt
	if pl, ok := p.current.model.(*ml.Pipeline); ok {
		meta := pl.Meta
		s.Meta = &meta
	}
	return s
}

// Predict estimates prices for records. Rows whose sale date cannot be parsed
// produce no prediction; the rest come back ordered by Row.
func (p *Predictor) Predict(ctx context.Context, records []housing.RawRecord) ([]Prediction, error) {
	return p.PredictDataset(ctx, housing.NewDataset(records))
}

// PredictDataset is Predict for a loaded file. Only the columns the file
// actually carried are treated as present, so feature steps that need a
// missing column are skipped instead of reading empty fields.
func (p *Predictor) PredictDataset(ctx context.Context, ds *housing.Dataset) ([]Prediction, error) {
	start := time.Now()
	preds, err := p.predict(ctx, ds)
	p.observer.ObservePrediction(p.source, len(preds), err, time.Since(start))
	return preds, err
}

// PredictOne serves the single-record contract.
func (p *Predictor) PredictOne(ctx context.Context, record housing.RawRecord) (decimal.Decimal, error) {
	preds, err := p.Predict(ctx, []housing.RawRecord{record})
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(preds) == 0 {
		return decimal.Decimal{}, apperrors.Wrapf(apperrors.ErrInputValidation, "sale date %q could not be parsed", record.Date)
	}
	return preds[0].Price, nil
}

func (p *Predictor) predict(ctx context.Context, ds *housing.Dataset) ([]Prediction, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, apperrors.ErrEmptyInput
	}
	records := ds.Records

	p.mu.RLock()
	snap := p.current
	var unavailable error
	if snap == nil {
		unavailable = p.unavailable()
	}
	p.mu.RUnlock()
	if unavailable != nil {
		return nil, unavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prices := make(map[int]float64, len(records))
	keys := make([]string, len(records))
	var misses []int
	columns := columnSignature(ds.Columns)
	for i := range records {
		keys[i] = p.cacheKey(snap.gen, columns, &records[i])
		if price, ok := p.lookup(keys[i]); ok {
			prices[i] = price
			continue
		}
		misses = append(misses, i)
	}

	if len(misses) > 0 {
		computed, err := p.infer(snap.model, ds, misses)
		if err != nil {
			return nil, err
		}
		for i, price := range computed {
			prices[i] = price
			if p.cache != nil && keys[i] != "" {
				p.cache.Add(keys[i], price)
			}
		}
	}

	rows := make([]int, 0, len(prices))
	for i := range prices {
		rows = append(rows, i)
	}
	sort.Ints(rows)
	out := make([]Prediction, len(rows))
	for k, i := range rows {
		out[k] = Prediction{Row: i, Price: decimal.NewFromFloat(prices[i]).Round(2)}
	}
	return out, nil
}

// infer runs the model over the records at positions rows and returns prices
// keyed by position in the original batch.
func (p *Predictor) infer(model Model, ds *housing.Dataset, rows []int) (map[int]float64, error) {
	batch := ds.Subset(rows)
	batch.Target = nil

	res, err := ml.Engineer(batch)
	if err != nil {
		// A partly cached batch may still be answered when every uncached
		// row carried an unparseable date.
		if errors.Is(err, ml.ErrEmptyBatch) && len(rows) < ds.Len() {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrInputValidation, err)
	}
	for _, s := range res.Skipped {
		p.logger.Warn("feature step skipped", zap.String("step", s.Step), zap.Strings("features", s.Features))
	}
	if res.DroppedRows > 0 {
		p.logger.Warn("rows dropped: unparseable sale date", zap.Int("dropped", res.DroppedRows))
	}

	raw, err := model.PredictLog(res.Frame)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPrediction, err)
	}
	if len(raw) != res.Frame.Rows {
		return nil, apperrors.Wrapf(apperrors.ErrPrediction, "model returned %d values for %d rows", len(raw), res.Frame.Rows)
	}

	out := make(map[int]float64, len(raw))
	for k, v := range raw {
		price := ml.InverseTarget(v)
		if math.IsNaN(price) || math.IsInf(price, 0) {
			return nil, apperrors.Wrapf(apperrors.ErrPrediction, "non-finite prediction for row %d", rows[res.Frame.RowIndex[k]])
		}
		out[rows[res.Frame.RowIndex[k]]] = price
	}
	return out, nil
}

func (p *Predictor) lookup(key string) (float64, bool) {
	if p.cache == nil || key == "" {
		return 0, false
	}
	price, ok := p.cache.Get(key)
	if ok {
		p.observer.CacheHit()
	} else {
		p.observer.CacheMiss()
	}
	return price, ok
}

// cacheKey is empty when the record cannot be encoded; such records bypass
// the cache.
func (p *Predictor) cacheKey(gen uint64, columns string, rec *housing.RawRecord) string {
	if p.cache == nil {
		return ""
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(gen, 10) + ":" + columns + ":" + string(data)
}

func columnSignature(cols []housing.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}
