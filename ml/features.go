package ml

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"houseprice/housing"
)

const (
	FeatDaysSinceRef        = "days_since_ref"
	FeatSaleYear            = "sale_year"
	FeatSaleMonth           = "sale_month"
	FeatHouseAge            = "house_age"
	FeatIsRenovated         = "is_renovated"
	FeatRenovationAge       = "renovation_age"
	FeatRatioLivingLot      = "sqft_ratio_living_lot"
	FeatBuildingTotalSqft   = "building_total_sqft"
	FeatLivingPerBedroom    = "sqft_living_per_bedroom"
	FeatLivingPerBathroom   = "sqft_living_per_bathroom"
	FeatLivingXGrade        = "sqft_living_x_grade"
	FeatWaterfrontXLiving   = "waterfront_x_sqft_living"
	FeatLatXLong            = "lat_x_long"
	categoricalTwinSuffix   = "_cat"
	areaEpsilon             = 1e-6
	referenceYear           = 2014
	referenceMonth          = 5
	referenceDay            = 1
	secondsPerDay     int64 = 24 * 60 * 60
)

var (
	initialNumerical = []housing.Column{
		housing.ColBedrooms, housing.ColBathrooms, housing.ColSqftLiving, housing.ColSqftLot,
		housing.ColFloors, housing.ColWaterfront, housing.ColView, housing.ColCondition,
		housing.ColSqftAbove, housing.ColSqftBasement, housing.ColYrBuilt, housing.ColYrRenovated,
	}

	supersededNumerical = map[housing.Column]bool{
		housing.ColDate:         true,
		housing.ColYrBuilt:      true,
		housing.ColYrRenovated:  true,
		housing.ColSqftLiving:   true,
		housing.ColSqftLot:      true,
		housing.ColSqftAbove:    true,
		housing.ColSqftBasement: true,
		housing.ColWaterfront:   true,
		housing.ColView:         true,
		housing.ColCondition:    true,
		housing.ColFloors:       true,
		housing.ColBedrooms:     true,
	}

	engineeredNumerical = []string{
		FeatDaysSinceRef, FeatHouseAge, FeatIsRenovated, FeatRenovationAge,
		FeatRatioLivingLot, FeatBuildingTotalSqft, FeatLivingPerBedroom, FeatLivingPerBathroom,
		FeatLivingXGrade, FeatWaterfrontXLiving, FeatLatXLong,
	}

	// categoricalSources are low-cardinality ordinals re-encoded as strings.
	categoricalSources = []housing.Column{
		housing.ColWaterfront, housing.ColView, housing.ColCondition, housing.ColFloors, housing.ColBedrooms,
	}

	engineeredCategorical = []string{
		"waterfront_cat", "view_cat", "condition_cat", "floors_cat", "bedrooms_cat",
		FeatSaleYear, FeatSaleMonth,
	}

	dateLayouts = []string{
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"20060102T150405",
		"20060102",
		"01/02/2006",
		"2006/01/02",
	}
)

// ErrEmptyBatch is returned when every row of a non-empty batch was dropped
// because its sale date could not be parsed.
var ErrEmptyBatch = errors.New("no rows left after date parsing")

// SkippedFeature records a transformation that did not run because its
// source columns are absent from the batch.
type SkippedFeature struct {
	Step     string           `json:"step"`
	Features []string         `json:"features"`
	Missing  []housing.Column `json:"missing"`
}

func (s SkippedFeature) String() string {
	missing := make([]string, len(s.Missing))
	for i, c := range s.Missing {
		missing[i] = string(c)
	}
	return fmt.Sprintf("%s: skipped %s (missing %s)", s.Step, strings.Join(s.Features, ", "), strings.Join(missing, ", "))
}

type EngineerResult struct {
	Frame       *Frame
	Skipped     []SkippedFeature
	DroppedRows int
}

// Engineer turns a raw batch into a model-ready frame. It holds no state:
// the same dataset always yields the same frame and schema.
func Engineer(ds *housing.Dataset) (*EngineerResult, error) {
	if ds == nil {
		return nil, errors.New("nil dataset")
	}
	e := &engineer{ds: ds}
	if err := e.extractDates(); err != nil {
		return nil, err
	}
	e.loadRawColumns()
	e.ageFeatures()
	e.areaFeatures()
	e.categoricalTwins()
	e.interactionFeatures()

	frame := e.assemble()
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("engineered frame inconsistent: %w", err)
	}
	return &EngineerResult{
		Frame:       frame,
		Skipped:     e.skipped,
		DroppedRows: ds.Len() - len(e.rows),
	}, nil
}

type engineer struct {
	ds      *housing.Dataset
	rows    []int
	work    *Frame
	skipped []SkippedFeature
	// saleYear is kept numeric for age arithmetic; the frame stores it as a category.
	saleYear []float64
}

func (e *engineer) skip(step string, features []string, missing []housing.Column) {
	e.skipped = append(e.skipped, SkippedFeature{Step: step, Features: features, Missing: missing})
}

func (e *engineer) extractDates() error {
	n := e.ds.Len()
	if !e.ds.Has(housing.ColDate) {
		e.rows = make([]int, n)
		for i := range e.rows {
			e.rows[i] = i
		}
		e.work = NewFrame(n)
		e.work.RowIndex = e.rows
		e.skip("date", []string{FeatDaysSinceRef, FeatSaleYear, FeatSaleMonth}, []housing.Column{housing.ColDate})
		return nil
	}

	reference := referenceDate()
	days := make([]float64, 0, n)
	years := make([]string, 0, n)
	months := make([]string, 0, n)
	e.rows = make([]int, 0, n)
	e.saleYear = make([]float64, 0, n)
	for i, rec := range e.ds.Records {
		t, ok := ParseSaleDate(rec.Date)
		if !ok {
			continue
		}
		e.rows = append(e.rows, i)
		days = append(days, float64(floorDiv(t.Unix()-reference.Unix(), secondsPerDay)))
		years = append(years, strconv.Itoa(t.Year()))
		months = append(months, strconv.Itoa(int(t.Month())))
		e.saleYear = append(e.saleYear, float64(t.Year()))
	}
	if n > 0 && len(e.rows) == 0 {
		return fmt.Errorf("%w: all %d rows have an invalid date", ErrEmptyBatch, n)
	}

	e.work = NewFrame(len(e.rows))
	e.work.RowIndex = e.rows
	e.work.SetNumeric(FeatDaysSinceRef, days)
	e.work.SetCategorical(FeatSaleYear, years)
	e.work.SetCategorical(FeatSaleMonth, months)
	return nil
}

func (e *engineer) loadRawColumns() {
	for col, get := range rawNumeric {
		if !e.ds.Has(col) {
			continue
		}
		values := make([]float64, len(e.rows))
		for i, r := range e.rows {
			values[i] = get(&e.ds.Records[r])
		}
		e.work.SetNumeric(string(col), values)
	}
}

func (e *engineer) column(c housing.Column) []float64 {
	values, _ := e.work.Numeric(string(c))
	return values
}

func (e *engineer) ageFeatures() {
	var missing []housing.Column
	if !e.ds.Has(housing.ColYrBuilt) {
		missing = append(missing, housing.ColYrBuilt)
	}
	if e.saleYear == nil {
		missing = append(missing, housing.ColDate)
	}
	if len(missing) > 0 {
		e.skip("age", []string{FeatHouseAge, FeatIsRenovated, FeatRenovationAge}, missing)
		return
	}

	built := e.column(housing.ColYrBuilt)
	age := make([]float64, e.work.Rows)
	for i := range age {
		age[i] = clampNonNegative(e.saleYear[i] - built[i])
	}
	e.work.SetNumeric(FeatHouseAge, age)

	if !e.ds.Has(housing.ColYrRenovated) {
		e.skip("renovation", []string{FeatIsRenovated, FeatRenovationAge}, []housing.Column{housing.ColYrRenovated})
		return
	}
	renovated := e.column(housing.ColYrRenovated)
	flag := make([]float64, e.work.Rows)
	renovationAge := make([]float64, e.work.Rows)
	for i := range flag {
		if IsRenovated(built[i], renovated[i]) {
			flag[i] = 1
			renovationAge[i] = clampNonNegative(e.saleYear[i] - renovated[i])
		}
	}
	e.work.SetNumeric(FeatIsRenovated, flag)
	e.work.SetNumeric(FeatRenovationAge, renovationAge)
}

func (e *engineer) areaFeatures() {
	e.derive("area", FeatRatioLivingLot, []housing.Column{housing.ColSqftLiving, housing.ColSqftLot}, func(v []float64) float64 {
		return SafeRatio(v[0], v[1])
	})
	e.derive("area", FeatBuildingTotalSqft, []housing.Column{housing.ColSqftAbove, housing.ColSqftBasement}, func(v []float64) float64 {
		return v[0] + v[1]
	})
	e.derive("area", FeatLivingPerBedroom, []housing.Column{housing.ColSqftLiving, housing.ColBedrooms}, func(v []float64) float64 {
		return SafeRatio(v[0], v[1])
	})
	e.derive("area", FeatLivingPerBathroom, []housing.Column{housing.ColSqftLiving, housing.ColBathrooms}, func(v []float64) float64 {
		return SafeRatio(v[0], v[1])
	})
}

func (e *engineer) interactionFeatures() {
	product := func(v []float64) float64 { return v[0] * v[1] }
	e.derive("interaction", FeatLivingXGrade, []housing.Column{housing.ColSqftLiving, housing.ColGrade}, product)
	e.derive("interaction", FeatWaterfrontXLiving, []housing.Column{housing.ColWaterfront, housing.ColSqftLiving}, product)
	e.derive("interaction", FeatLatXLong, []housing.Column{housing.ColLat, housing.ColLong}, product)
}

// derive adds a numeric column computed row-wise from sources, or records a
// skip when any source is absent.
func (e *engineer) derive(step, name string, sources []housing.Column, fn func([]float64) float64) {
	if ok, missing := e.ds.HasAll(sources...); !ok {
		e.skip(step, []string{name}, missing)
		return
	}
	inputs := make([][]float64, len(sources))
	for i, c := range sources {
		inputs[i] = e.column(c)
	}
	out := make([]float64, e.work.Rows)
	args := make([]float64, len(sources))
	for r := range out {
		for i := range inputs {
			args[i] = inputs[i][r]
		}
		out[r] = fn(args)
	}
	e.work.SetNumeric(name, out)
}

func (e *engineer) categoricalTwins() {
	for _, col := range categoricalSources {
		name := string(col) + categoricalTwinSuffix
		if !e.ds.Has(col) {
			e.skip("categorical", []string{name}, []housing.Column{col})
			continue
		}
		format := categoryFormat[col]
		values := make([]string, len(e.rows))
		for i, r := range e.rows {
			values[i] = format(&e.ds.Records[r])
		}
		e.work.SetCategorical(name, values)
	}
}

// assemble recomputes the schema from the columns that exist and drops
// everything else.
func (e *engineer) assemble() *Frame {
	var schema Schema
	for _, col := range initialNumerical {
		if supersededNumerical[col] || !e.work.has(string(col)) {
			continue
		}
		schema.Numerical = append(schema.Numerical, string(col))
	}
	for _, name := range engineeredNumerical {
		if e.work.has(name) && !contains(schema.Numerical, name) {
			schema.Numerical = append(schema.Numerical, name)
		}
	}
	for _, name := range engineeredCategorical {
		if e.work.has(name) && !contains(schema.Categorical, name) {
			schema.Categorical = append(schema.Categorical, name)
		}
	}

	keep := make(map[string]bool, schema.Width())
	for _, name := range schema.Columns() {
		keep[name] = true
	}
	for name := range e.work.numeric {
		if !keep[name] {
			e.work.drop(name)
		}
	}
	for name := range e.work.categorical {
		if !keep[name] {
			e.work.drop(name)
		}
	}
	e.work.Schema = schema
	return e.work
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IsRenovated reports whether a renovation year counts as a real renovation.
// Missing years never count.
func IsRenovated(yrBuilt, yrRenovated float64) bool {
	return yrRenovated > yrBuilt && yrRenovated > 0
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// SafeRatio divides with the denominator offset by a small epsilon so that a
// zero lot size or room count yields a large finite value instead of a
// division error.
func SafeRatio(numerator, denominator float64) float64 {
	return numerator / (denominator + areaEpsilon)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func optFloat(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func optInt(v *int) float64 {
	if v == nil {
		return math.NaN()
	}
	return float64(*v)
}

var rawNumeric = map[housing.Column]func(*housing.RawRecord) float64{
	housing.ColBedrooms:     func(r *housing.RawRecord) float64 { return optFloat(r.Bedrooms) },
	housing.ColBathrooms:    func(r *housing.RawRecord) float64 { return optFloat(r.Bathrooms) },
	housing.ColSqftLiving:   func(r *housing.RawRecord) float64 { return optFloat(r.SqftLiving) },
	housing.ColSqftLot:      func(r *housing.RawRecord) float64 { return optFloat(r.SqftLot) },
	housing.ColSqftAbove:    func(r *housing.RawRecord) float64 { return optFloat(r.SqftAbove) },
	housing.ColSqftBasement: func(r *housing.RawRecord) float64 { return optFloat(r.SqftBasement) },
	housing.ColFloors:       func(r *housing.RawRecord) float64 { return optFloat(r.Floors) },
	housing.ColWaterfront:   func(r *housing.RawRecord) float64 { return optInt(r.Waterfront) },
	housing.ColView:         func(r *housing.RawRecord) float64 { return optInt(r.View) },
	housing.ColCondition:    func(r *housing.RawRecord) float64 { return optInt(r.Condition) },
	housing.ColGrade:        func(r *housing.RawRecord) float64 { return optInt(r.Grade) },
	housing.ColYrBuilt:      func(r *housing.RawRecord) float64 { return optInt(r.YrBuilt) },
	housing.ColYrRenovated:  func(r *housing.RawRecord) float64 { return optInt(r.YrRenovated) },
	housing.ColLat:          func(r *housing.RawRecord) float64 { return optFloat(r.Lat) },
	housing.ColLong:         func(r *housing.RawRecord) float64 { return optFloat(r.Long) },
}

var categoryFormat = map[housing.Column]func(*housing.RawRecord) string{
	housing.ColWaterfront: func(r *housing.RawRecord) string { return FormatIntCategory(r.Waterfront) },
	housing.ColView:       func(r *housing.RawRecord) string { return FormatIntCategory(r.View) },
	housing.ColCondition:  func(r *housing.RawRecord) string { return FormatIntCategory(r.Condition) },
	housing.ColFloors:     func(r *housing.RawRecord) string { return FormatFloatCategory(r.Floors) },
	housing.ColBedrooms:   func(r *housing.RawRecord) string { return FormatFloatCategory(r.Bedrooms) },
}
