package pipeline

import (
	"math"
	"testing"

	"houseprice/housing"
)

func labeled(prices []float64, records ...housing.RawRecord) *housing.Dataset {
	return &housing.Dataset{
		Columns: []housing.Column{housing.ColID, housing.ColDate, housing.ColSqftLiving},
		Records: records,
		Target:  prices,
	}
}

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	if cleaner == nil {
		t.Fatal("NewDataCleaner returned nil")
	}

	if len(cleaner.rules) == 0 {
		t.Error("No default rules added")
	}
}

func TestPriceValidationRule(t *testing.T) {
	rule := NewPriceValidationRule()

	tests := []struct {
		name    string
		price   float64
		wantErr bool
	}{
		{"valid price", 313000, false},
		{"zero price", 0, true},
		{"negative price", -5, true},
		{"missing price", math.NaN(), true},
		{"infinite price", math.Inf(1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Apply(Row{Record: &housing.RawRecord{}, Price: tt.price})
			if (err != nil) != tt.wantErr {
				t.Errorf("PriceValidationRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAreaValidationRule(t *testing.T) {
	rule := NewAreaValidationRule()

	tests := []struct {
		name    string
		record  housing.RawRecord
		wantErr bool
	}{
		{"valid areas", housing.RawRecord{SqftLiving: housing.Float(1340), SqftLot: housing.Float(7912)}, false},
		{"missing areas", housing.RawRecord{}, false},
		{"zero basement", housing.RawRecord{SqftBasement: housing.Float(0)}, false},
		{"negative lot", housing.RawRecord{SqftLot: housing.Float(-1)}, true},
		{"negative bedrooms", housing.RawRecord{Bedrooms: housing.Float(-2)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Apply(Row{Record: &tt.record, Price: 1})
			if (err != nil) != tt.wantErr {
				t.Errorf("AreaValidationRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestYearValidationRule(t *testing.T) {
	rule := NewYearValidationRule()
	rule.Prepare(labeled(nil,
		housing.RawRecord{Date: "20140623T000000"},
		housing.RawRecord{Date: "20150311T000000"},
		housing.RawRecord{Date: "not a date"},
	))

	tests := []struct {
		name    string
		record  housing.RawRecord
		wantErr bool
	}{
		{"valid years", housing.RawRecord{YrBuilt: housing.Int(1955), YrRenovated: housing.Int(2005)}, false},
		{"never renovated", housing.RawRecord{YrBuilt: housing.Int(1955), YrRenovated: housing.Int(0)}, false},
		{"built year after last sale", housing.RawRecord{YrBuilt: housing.Int(2016)}, false},
		{"built year typo", housing.RawRecord{YrBuilt: housing.Int(195)}, true},
		{"built years after the data", housing.RawRecord{YrBuilt: housing.Int(2020)}, true},
		{"renovated far future", housing.RawRecord{YrRenovated: housing.Int(3015)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Apply(Row{Record: &tt.record, Price: 1})
			if (err != nil) != tt.wantErr {
				t.Errorf("YearValidationRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestYearValidationRuleBound(t *testing.T) {
	built2020 := housing.RawRecord{YrBuilt: housing.Int(2020)}

	rule := NewYearValidationRule()
	rule.Prepare(labeled(nil))
	if err := rule.Apply(Row{Record: &built2020}); err != nil {
		t.Errorf("Without sale dates there should be no upper bound: %v", err)
	}

	rule.Prepare(labeled(nil, housing.RawRecord{Date: "2014-05-02"}))
	if err := rule.Apply(Row{Record: &built2020}); err == nil {
		t.Error("Year after the latest sale should be rejected")
	}

	rule.MaxYear = 2030
	if err := rule.Apply(Row{Record: &built2020}); err != nil {
		t.Errorf("Explicit MaxYear should override the sale dates: %v", err)
	}
}

func TestDuplicateDetectionRule(t *testing.T) {
	rule := NewDuplicateDetectionRule()
	rec := housing.RawRecord{ID: housing.Int64(7)}

	if err := rule.Apply(Row{Index: 0, Record: &rec}); err != nil {
		t.Errorf("First apply should succeed: %v", err)
	}
	if err := rule.Apply(Row{Index: 1, Record: &rec}); err == nil {
		t.Error("Duplicate id should be detected")
	}
	if err := rule.Apply(Row{Index: 2, Record: &housing.RawRecord{}}); err != nil {
		t.Errorf("Rows without id should pass: %v", err)
	}

	rule.Reset()
	if err := rule.Apply(Row{Index: 3, Record: &rec}); err != nil {
		t.Errorf("Reset should forget seen ids: %v", err)
	}
}

func TestDuplicateDetectionRuleRepeatSales(t *testing.T) {
	rule := NewDuplicateDetectionRule()
	first := housing.RawRecord{ID: housing.Int64(7129300520), Date: "20140623T000000"}
	resale := housing.RawRecord{ID: housing.Int64(7129300520), Date: "20150311T000000"}

	if err := rule.Apply(Row{Index: 0, Record: &first}); err != nil {
		t.Fatalf("First sale should pass: %v", err)
	}
	if err := rule.Apply(Row{Index: 1, Record: &resale}); err != nil {
		t.Errorf("Resale on a later date should pass: %v", err)
	}
	if err := rule.Apply(Row{Index: 2, Record: &first}); err == nil {
		t.Error("Same id on the same date should be detected")
	}
}

func TestDataCleanerClean(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	ds := labeled(
		[]float64{313000, 0, 450000, 510000},
		housing.RawRecord{ID: housing.Int64(1), Date: "20141013T000000", SqftLiving: housing.Float(1340)},
		housing.RawRecord{ID: housing.Int64(2), Date: "20141209T000000", SqftLiving: housing.Float(1200)},
		housing.RawRecord{ID: housing.Int64(1), Date: "20141013T000000", SqftLiving: housing.Float(900)},
		housing.RawRecord{ID: housing.Int64(4), Date: "20150225T000000", SqftLiving: housing.Float(2100)},
	)

	cleaned, issues := cleaner.Clean(ds)

	if cleaned.Len() != 2 {
		t.Fatalf("Expected 2 rows kept, got %d", cleaned.Len())
	}
	if cleaned.Target[0] != 313000 || cleaned.Target[1] != 510000 {
		t.Errorf("Unexpected targets kept: %v", cleaned.Target)
	}
	if len(issues) != 2 {
		t.Errorf("Expected 2 issues, got %d", len(issues))
	}

	stats := cleaner.GetStats()
	if stats.TotalProcessed != 4 || stats.Passed != 2 || stats.Rejected != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.Issues["price_validation"] != 1 || stats.Issues["duplicate_detection"] != 1 {
		t.Errorf("Unexpected per-rule counts: %v", stats.Issues)
	}

	// 第二次清洗不应受上次去重状态影响
	again, _ := cleaner.Clean(labeled([]float64{313000}, housing.RawRecord{ID: housing.Int64(1)}))
	if again.Len() != 1 {
		t.Errorf("Expected duplicate state to reset between runs")
	}
}

func TestDataCleanerKeepsRepeatSales(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	ds := labeled(
		[]float64{221900, 538000},
		housing.RawRecord{ID: housing.Int64(7129300520), Date: "20140623T000000", YrBuilt: housing.Int(1955)},
		housing.RawRecord{ID: housing.Int64(7129300520), Date: "20150311T000000", YrBuilt: housing.Int(1955)},
	)

	cleaned, issues := cleaner.Clean(ds)
	if cleaned.Len() != 2 || len(issues) != 0 {
		t.Errorf("Expected both sales kept, got %d rows and issues %+v", cleaned.Len(), issues)
	}
}

func TestDataCleanerYearBoundFollowsSaleDates(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	ds := labeled(
		[]float64{313000, 450000},
		housing.RawRecord{ID: housing.Int64(1), Date: "20140502T000000", YrBuilt: housing.Int(2015)},
		housing.RawRecord{ID: housing.Int64(2), Date: "20140502T000000", YrBuilt: housing.Int(2020)},
	)

	cleaned, issues := cleaner.Clean(ds)
	if cleaned.Len() != 1 || cleaned.Target[0] != 313000 {
		t.Fatalf("Expected only the 2015 build kept, got %v", cleaned.Target)
	}
	if len(issues) != 1 || issues[0].Rule != "year_validation" {
		t.Errorf("Unexpected issues: %+v", issues)
	}
}

func TestGetIssues(t *testing.T) {
	cleaner := NewDataCleaner(nil)
	cleaner.Clean(labeled(
		[]float64{math.NaN(), -1, 100},
		housing.RawRecord{}, housing.RawRecord{}, housing.RawRecord{},
	))

	if got := cleaner.GetIssues(1); len(got) != 1 || got[0].Row != 1 {
		t.Errorf("Expected the latest issue, got %+v", got)
	}
	if got := cleaner.GetIssues(0); len(got) != 2 {
		t.Errorf("Expected all issues, got %d", len(got))
	}

	cleaner.ClearIssues()
	if got := cleaner.GetIssues(0); len(got) != 0 {
		t.Errorf("Expected no issues after clear, got %d", len(got))
	}
}
