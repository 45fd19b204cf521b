package serving

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"houseprice/housing"
)

// RecordIDs returns the id of every record, falling back to its position
// when the record carries none.
func RecordIDs(records []housing.RawRecord) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		if rec.ID != nil {
			ids[i] = strconv.FormatInt(*rec.ID, 10)
		} else {
			ids[i] = strconv.Itoa(i)
		}
	}
	return ids
}

// WritePredictionsCSV writes one id,predicted_price line per prediction.
// ids is indexed by Prediction.Row.
func WritePredictionsCSV(w io.Writer, ids []string, preds []Prediction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "predicted_price"}); err != nil {
		return err
	}
	for _, p := range preds {
		if p.Row < 0 || p.Row >= len(ids) {
			return fmt.Errorf("prediction row %d has no id", p.Row)
		}
		if err := cw.Write([]string{ids[p.Row], p.Price.StringFixed(2)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
