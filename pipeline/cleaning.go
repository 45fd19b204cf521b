package pipeline

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"houseprice/housing"
	"houseprice/ml"
)

// Row 单条带标签的训练样本
type Row struct {
	Index  int
	Record *housing.RawRecord
	Price  float64
}

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(Row) error
	Name() string
}

// resetter 有状态规则在每次清洗前重置
type resetter interface {
	Reset()
}

// preparer 依赖整个数据集的规则在逐行检查前调用
type preparer interface {
	Prepare(ds *housing.Dataset)
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Row       int       `json:"row"`
	ID        *int64    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	logger *zap.Logger
	rules  []CleaningRule

	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex
}

// NewDataCleaner 创建数据清洗器，带默认规则
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		logger: logger,
		stats:  CleaningStats{Issues: make(map[string]int64)},
	}

	cleaner.AddRule(NewPriceValidationRule())
	cleaner.AddRule(NewAreaValidationRule())
	cleaner.AddRule(NewYearValidationRule())
	cleaner.AddRule(NewDuplicateDetectionRule())
	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗带标签的数据集，返回保留的样本和被拒绝样本的问题
func (dc *DataCleaner) Clean(ds *housing.Dataset) (*housing.Dataset, []QualityIssue) {
	for _, rule := range dc.rules {
		if r, ok := rule.(resetter); ok {
			r.Reset()
		}
		if p, ok := rule.(preparer); ok {
			p.Prepare(ds)
		}
	}

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	var kept []int
	var issues []QualityIssue
	now := time.Now()
	for i := range ds.Records {
		dc.stats.TotalProcessed++
		row := Row{Index: i, Record: &ds.Records[i], Price: math.NaN()}
		if ds.Target != nil {
			row.Price = ds.Target[i]
		}

		var rowIssues []QualityIssue
		for _, rule := range dc.rules {
			if err := rule.Apply(row); err != nil {
				rowIssues = append(rowIssues, QualityIssue{
					Rule:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Row:       i,
					ID:        row.Record.ID,
					Timestamp: now,
				})
				dc.stats.Issues[rule.Name()]++
			}
		}

		if len(rowIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, rowIssues...)
			continue
		}
		dc.stats.Passed++
		kept = append(kept, i)
	}
	dc.stats.LastClean = now

	dc.issuesLock.Lock()
	dc.issues = append(dc.issues, issues...)
	dc.issuesLock.Unlock()

	if len(issues) > 0 {
		dc.logger.Warn("rejected training rows",
			zap.Int("rejected", ds.Len()-len(kept)),
			zap.Int("kept", len(kept)),
			zap.Int("issues", len(issues)))
	}
	return ds.Subset(kept), issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取最近的问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}

	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = nil
}

// ============ 清洗规则实现 ============

// PriceValidationRule 价格验证规则，log1p 变换要求价格有限且为正
type PriceValidationRule struct {
	MinPrice float64
	MaxPrice float64
}

func NewPriceValidationRule() *PriceValidationRule {
	return &PriceValidationRule{
		MinPrice: 0,
		MaxPrice: math.Inf(1),
	}
}

func (r *PriceValidationRule) Name() string {
	return "price_validation"
}

func (r *PriceValidationRule) Apply(row Row) error {
	if math.IsNaN(row.Price) || math.IsInf(row.Price, 0) {
		return fmt.Errorf("price %v is not a finite number", row.Price)
	}
	if row.Price <= r.MinPrice || row.Price > r.MaxPrice {
		return fmt.Errorf("price %.2f out of range (%.2f, %.2f]", row.Price, r.MinPrice, r.MaxPrice)
	}
	return nil
}

// AreaValidationRule 面积验证规则
type AreaValidationRule struct{}

func NewAreaValidationRule() *AreaValidationRule {
	return &AreaValidationRule{}
}

func (r *AreaValidationRule) Name() string {
	return "area_validation"
}

func (r *AreaValidationRule) Apply(row Row) error {
	rec := row.Record
	areas := []struct {
		col   housing.Column
		value *float64
	}{
		{housing.ColSqftLiving, rec.SqftLiving},
		{housing.ColSqftLot, rec.SqftLot},
		{housing.ColSqftAbove, rec.SqftAbove},
		{housing.ColSqftBasement, rec.SqftBasement},
		{housing.ColBedrooms, rec.Bedrooms},
		{housing.ColBathrooms, rec.Bathrooms},
	}
	for _, a := range areas {
		if a.value != nil && *a.value < 0 {
			return fmt.Errorf("%s %.2f is negative", a.col, *a.value)
		}
	}
	return nil
}

// YearValidationRule 年份验证规则。MaxYear 为 0 时上限取数据集中最晚成交年份加一，
// 没有可解析的成交日期则不检查上限
type YearValidationRule struct {
	MinYear int
	MaxYear int

	limit int
}

func NewYearValidationRule() *YearValidationRule {
	return &YearValidationRule{MinYear: 1800}
}

func (r *YearValidationRule) Name() string {
	return "year_validation"
}

// Prepare 根据成交日期确定本次清洗的年份上限
func (r *YearValidationRule) Prepare(ds *housing.Dataset) {
	r.limit = 0
	for i := range ds.Records {
		if t, ok := ml.ParseSaleDate(ds.Records[i].Date); ok && t.Year()+1 > r.limit {
			r.limit = t.Year() + 1
		}
	}
}

func (r *YearValidationRule) outOfRange(year int) bool {
	if year < r.MinYear {
		return true
	}
	upper := r.upper()
	return upper > 0 && year > upper
}

func (r *YearValidationRule) Apply(row Row) error {
	rec := row.Record
	if rec.YrBuilt != nil && r.outOfRange(*rec.YrBuilt) {
		return fmt.Errorf("yr_built %d out of range [%d, %d]", *rec.YrBuilt, r.MinYear, r.upper())
	}
	// 0 表示从未翻新
	if rec.YrRenovated != nil && *rec.YrRenovated != 0 && r.outOfRange(*rec.YrRenovated) {
		return fmt.Errorf("yr_renovated %d out of range [%d, %d]", *rec.YrRenovated, r.MinYear, r.upper())
	}
	return nil
}

func (r *YearValidationRule) upper() int {
	if r.MaxYear > 0 {
		return r.MaxYear
	}
	return r.limit
}

// saleKey 同一房屋在同一天的成交
type saleKey struct {
	id   int64
	date string
}

// DuplicateDetectionRule 重复检测规则，id 与成交日期都相同才算重复；
// 同一房屋不同日期的再次成交保留，没有 id 的行不参与
type DuplicateDetectionRule struct {
	seen map[saleKey]int
	mu   sync.Mutex
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{
		seen: make(map[saleKey]int),
	}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[saleKey]int)
}

func (r *DuplicateDetectionRule) Apply(row Row) error {
	if row.Record.ID == nil {
		return nil
	}
	key := saleKey{id: *row.Record.ID, date: strings.TrimSpace(row.Record.Date)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if first, exists := r.seen[key]; exists {
		return fmt.Errorf("duplicate sale of id %d on %q (first seen at row %d)", key.id, key.date, first)
	}
	r.seen[key] = row.Index
	return nil
}
