package ml

import (
	"math"
	"strconv"
	"strings"
	"time"
)

func referenceDate() time.Time {
	return time.Date(referenceYear, referenceMonth, referenceDay, 0, 0, 0, 0, time.UTC)
}

// ParseSaleDate accepts the date formats seen in listing exports. Values that
// match none of them are reported as unparseable.
func ParseSaleDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DaysSinceReference returns the whole days between t and the reference
// date, rounded toward negative infinity.
func DaysSinceReference(t time.Time) int64 {
	return floorDiv(t.Unix()-referenceDate().Unix(), secondsPerDay)
}

func FormatIntCategory(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// FormatFloatCategory renders whole numbers with a trailing ".0" so that a
// bedroom count of 3 and 3.0 map to the same category.
func FormatFloatCategory(v *float64) string {
	if v == nil || math.IsNaN(*v) {
		return ""
	}
	f := *v
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Log1p maps prices into the space the regressor is trained on.
func Log1p(prices []float64) []float64 {
	out := make([]float64, len(prices))
	for i, p := range prices {
		out[i] = math.Log1p(p)
	}
	return out
}

func Expm1(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Expm1(v)
	}
	return out
}

// InverseTarget maps a raw model output back to a price: expm1, then
// clamped at zero.
func InverseTarget(raw float64) float64 {
	p := math.Expm1(raw)
	if p < 0 {
		return 0
	}
	return p
}
