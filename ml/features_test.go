package ml

import (
	"errors"
	"math"
	"slices"
	"testing"

	"houseprice/housing"
)

func sampleRecord() housing.RawRecord {
	return housing.RawRecord{
		Date:         "2015-03-01",
		Bedrooms:     housing.Float(3),
		Bathrooms:    housing.Float(2),
		SqftLiving:   housing.Float(2000),
		SqftLot:      housing.Float(10000),
		Floors:       housing.Float(1),
		Waterfront:   housing.Int(0),
		View:         housing.Int(0),
		Condition:    housing.Int(3),
		SqftAbove:    housing.Float(2000),
		SqftBasement: housing.Float(0),
		YrBuilt:      housing.Int(2000),
		YrRenovated:  housing.Int(0),
		Street:       housing.String("1 Main St"),
		City:         housing.String("Seattle"),
		StateZip:     housing.String("WA 98101"),
		Country:      housing.String("USA"),
	}
}

// fileColumns mirrors the columns of the listing export used for training.
var fileColumns = []housing.Column{
	housing.ColDate, housing.ColBedrooms, housing.ColBathrooms, housing.ColSqftLiving,
	housing.ColSqftLot, housing.ColFloors, housing.ColWaterfront, housing.ColView,
	housing.ColCondition, housing.ColSqftAbove, housing.ColSqftBasement, housing.ColYrBuilt,
	housing.ColYrRenovated, housing.ColStreet, housing.ColCity, housing.ColStateZip, housing.ColCountry,
}

func fileDataset(records ...housing.RawRecord) *housing.Dataset {
	return &housing.Dataset{Columns: fileColumns, Records: records}
}

func numericAt(t *testing.T, f *Frame, name string, row int) float64 {
	t.Helper()
	col, ok := f.Numeric(name)
	if !ok {
		t.Fatalf("numeric column %s missing", name)
	}
	return col[row]
}

func categoricalAt(t *testing.T, f *Frame, name string, row int) string {
	t.Helper()
	col, ok := f.Categorical(name)
	if !ok {
		t.Fatalf("categorical column %s missing", name)
	}
	return col[row]
}

func TestEngineerSingleRecord(t *testing.T) {
	result, err := Engineer(fileDataset(sampleRecord()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := result.Frame
	if f.Rows != 1 || result.DroppedRows != 0 {
		t.Fatalf("expected 1 row and no drops, got %d rows, %d dropped", f.Rows, result.DroppedRows)
	}

	if got := numericAt(t, f, FeatHouseAge, 0); got != 15 {
		t.Fatalf("expected house_age 15, got %v", got)
	}
	if got := numericAt(t, f, FeatIsRenovated, 0); got != 0 {
		t.Fatalf("expected is_renovated 0, got %v", got)
	}
	if got := numericAt(t, f, FeatRenovationAge, 0); got != 0 {
		t.Fatalf("expected renovation_age 0, got %v", got)
	}
	if got := numericAt(t, f, FeatRatioLivingLot, 0); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("expected ratio ~0.2, got %v", got)
	}
	if got := numericAt(t, f, FeatDaysSinceRef, 0); got != 304 {
		t.Fatalf("expected 304 days since reference, got %v", got)
	}
	if got := numericAt(t, f, FeatBuildingTotalSqft, 0); got != 2000 {
		t.Fatalf("expected building total 2000, got %v", got)
	}
	if got := categoricalAt(t, f, FeatSaleYear, 0); got != "2015" {
		t.Fatalf("expected sale_year 2015, got %q", got)
	}
	if got := categoricalAt(t, f, FeatSaleMonth, 0); got != "3" {
		t.Fatalf("expected sale_month 3, got %q", got)
	}
	if got := categoricalAt(t, f, "bedrooms_cat", 0); got != "3.0" {
		t.Fatalf("expected bedrooms_cat 3.0, got %q", got)
	}
	if got := categoricalAt(t, f, "condition_cat", 0); got != "3" {
		t.Fatalf("expected condition_cat 3, got %q", got)
	}
}

func TestEngineerSchemaForFileColumns(t *testing.T) {
	result, err := Engineer(fileDataset(sampleRecord()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Schema{
		Numerical: []string{
			"bathrooms", FeatDaysSinceRef, FeatHouseAge, FeatIsRenovated, FeatRenovationAge,
			FeatRatioLivingLot, FeatBuildingTotalSqft, FeatLivingPerBedroom, FeatLivingPerBathroom,
			FeatWaterfrontXLiving,
		},
		Categorical: []string{
			"waterfront_cat", "view_cat", "condition_cat", "floors_cat", "bedrooms_cat",
			FeatSaleYear, FeatSaleMonth,
		},
	}
	if !result.Frame.Schema.Equal(want) {
		t.Fatalf("unexpected schema: %+v", result.Frame.Schema)
	}
	for _, pruned := range []string{"date", "street", "city", "statezip", "country", "sqft_living", "yr_built", "bedrooms"} {
		if _, ok := result.Frame.Value(0, pruned); ok {
			t.Fatalf("column %s should have been pruned", pruned)
		}
	}

	var skippedGrade, skippedLatLong bool
	for _, s := range result.Skipped {
		skippedGrade = skippedGrade || slices.Contains(s.Features, FeatLivingXGrade)
		skippedLatLong = skippedLatLong || slices.Contains(s.Features, FeatLatXLong)
	}
	if !skippedGrade || !skippedLatLong {
		t.Fatalf("expected grade and lat/long interactions to be reported as skipped: %v", result.Skipped)
	}
}

func TestEngineerRequestSchema(t *testing.T) {
	result, err := Engineer(housing.NewDataset([]housing.RawRecord{sampleRecord()}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Frame.Schema.Numerical) != 12 {
		t.Fatalf("expected 12 numerical columns, got %v", result.Frame.Schema.Numerical)
	}
	if len(result.Skipped) != 0 {
		t.Fatalf("expected nothing skipped, got %v", result.Skipped)
	}
	// grade was not supplied: the interaction is missing, not zero.
	if got := numericAt(t, result.Frame, FeatLivingXGrade, 0); !math.IsNaN(got) {
		t.Fatalf("expected NaN interaction, got %v", got)
	}
}

func TestEngineerAgesNeverNegative(t *testing.T) {
	tests := []struct {
		name        string
		yrBuilt     *int
		yrRenovated *int
	}{
		{"built after sale", housing.Int(2020), housing.Int(0)},
		{"renovated after sale", housing.Int(1990), housing.Int(2019)},
		{"never renovated", housing.Int(1990), housing.Int(0)},
		{"renovation year missing", housing.Int(1990), nil},
		{"built year missing", nil, housing.Int(2005)},
		{"renovated before built", housing.Int(2000), housing.Int(1995)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sampleRecord()
			rec.YrBuilt = tt.yrBuilt
			rec.YrRenovated = tt.yrRenovated
			result, err := Engineer(fileDataset(rec))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, name := range []string{FeatHouseAge, FeatRenovationAge} {
				if v := numericAt(t, result.Frame, name, 0); v < 0 {
					t.Fatalf("%s is negative: %v", name, v)
				}
			}
		})
	}
}

func TestEngineerRenovatedHouse(t *testing.T) {
	rec := sampleRecord()
	rec.YrBuilt = housing.Int(1950)
	rec.YrRenovated = housing.Int(2005)
	result, err := Engineer(fileDataset(rec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := numericAt(t, result.Frame, FeatIsRenovated, 0); got != 1 {
		t.Fatalf("expected is_renovated 1, got %v", got)
	}
	if got := numericAt(t, result.Frame, FeatRenovationAge, 0); got != 10 {
		t.Fatalf("expected renovation_age 10, got %v", got)
	}
}

func TestEngineerZeroDenominators(t *testing.T) {
	rec := sampleRecord()
	rec.SqftLot = housing.Float(0)
	rec.Bedrooms = housing.Float(0)
	rec.Bathrooms = housing.Float(0)
	result, err := Engineer(fileDataset(rec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{FeatRatioLivingLot, FeatLivingPerBedroom, FeatLivingPerBathroom} {
		v := numericAt(t, result.Frame, name, 0)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("%s should be finite, got %v", name, v)
		}
	}
}

func TestEngineerDropsUnparseableDates(t *testing.T) {
	bad := sampleRecord()
	bad.Date = "not a date"
	other := sampleRecord()
	other.Date = "20140502T000000"

	result, err := Engineer(fileDataset(sampleRecord(), bad, other))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Frame.Rows != 2 || result.DroppedRows != 1 {
		t.Fatalf("expected 2 rows and 1 drop, got %d/%d", result.Frame.Rows, result.DroppedRows)
	}
	if !slices.Equal(result.Frame.RowIndex, []int{0, 2}) {
		t.Fatalf("unexpected row index %v", result.Frame.RowIndex)
	}
	if got := numericAt(t, result.Frame, FeatDaysSinceRef, 1); got != 1 {
		t.Fatalf("expected 1 day since reference, got %v", got)
	}
}

func TestEngineerAllDatesInvalid(t *testing.T) {
	rec := sampleRecord()
	rec.Date = "yesterday"
	_, err := Engineer(fileDataset(rec))
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestEngineerWithoutDateColumn(t *testing.T) {
	cols := slices.DeleteFunc(slices.Clone(fileColumns), func(c housing.Column) bool { return c == housing.ColDate })
	ds := &housing.Dataset{Columns: cols, Records: []housing.RawRecord{sampleRecord()}}
	result, err := Engineer(ds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{FeatDaysSinceRef, FeatHouseAge, FeatSaleYear} {
		if _, ok := result.Frame.Value(0, name); ok {
			t.Fatalf("%s should not exist without a date", name)
		}
	}
	if len(result.Skipped) == 0 || result.Skipped[0].Step != "date" {
		t.Fatalf("expected the date step to be reported, got %v", result.Skipped)
	}
	if err := result.Frame.Validate(); err != nil {
		t.Fatalf("frame invalid: %v", err)
	}
}

func TestFormatFloatCategory(t *testing.T) {
	tests := []struct {
		in   *float64
		want string
	}{
		{housing.Float(3), "3.0"},
		{housing.Float(1.5), "1.5"},
		{housing.Float(0), "0.0"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := FormatFloatCategory(tt.in); got != tt.want {
			t.Fatalf("FormatFloatCategory: want %q, got %q", tt.want, got)
		}
	}
}

func TestParseSaleDate(t *testing.T) {
	tests := []struct {
		in    string
		ok    bool
		year  int
		month int
	}{
		{"2015-03-01", true, 2015, 3},
		{"2014-05-02 00:00:00", true, 2014, 5},
		{"20141013T000000", true, 2014, 10},
		{"07/04/2014", true, 2014, 7},
		{"", false, 0, 0},
		{"2015-13-01", false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseSaleDate(tt.in)
			if ok != tt.ok {
				t.Fatalf("ParseSaleDate(%q) ok=%v", tt.in, ok)
			}
			if ok && (got.Year() != tt.year || int(got.Month()) != tt.month) {
				t.Fatalf("ParseSaleDate(%q) = %v", tt.in, got)
			}
		})
	}
}

func TestDaysSinceReferenceBeforeReference(t *testing.T) {
	d, _ := ParseSaleDate("2014-04-30 12:00:00")
	if got := DaysSinceReference(d); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
}
