package housing

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"houseprice/apperrors"
)

type LoadOptions struct {
	// TargetColumn is split off into Dataset.Target when present.
	TargetColumn Column
	// Encoding names the character set of CSV input ("utf-8", "latin1",
	// "windows-1252", ...). Empty means UTF-8.
	Encoding string
	// Sheet selects the worksheet of an .xlsx file. Empty means the first.
	Sheet string
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{TargetColumn: ColPrice}
}

var missingTokens = map[string]struct{}{
	"":     {},
	"nan":  {},
	"na":   {},
	"n/a":  {},
	"null": {},
	"none": {},
}

// Load reads a labeled or unlabeled dataset from a .csv or .xlsx file.
func Load(path string, opts LoadOptions) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return LoadXLSX(path, opts)
	default:
		file, err := os.Open(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("open %s: %w", path, err))
		}
		defer file.Close()
		ds, err := LoadCSV(file, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return ds, nil
	}
}

func LoadCSV(r io.Reader, opts LoadOptions) (*Dataset, error) {
	if opts.Encoding != "" {
		enc, err := htmlindex.Get(opts.Encoding)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("unknown encoding %q: %w", opts.Encoding, err))
		}
		r = transform.NewReader(r, enc.NewDecoder())
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("read csv: %w", err))
	}
	return fromRows(rows, opts)
}

func LoadXLSX(path string, opts LoadOptions) (*Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, apperrors.Wrapf(apperrors.ErrDataLoad, "%s: workbook has no sheets", path)
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("%s: read sheet %q: %w", path, sheet, err))
	}
	ds, err := fromRows(rows, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

type cellSetter func(rec *RawRecord, value string) error

var setters = map[Column]cellSetter{
	ColID: func(rec *RawRecord, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil || f != math.Trunc(f) {
				return err
			}
			n = int64(f)
		}
		rec.ID = &n
		return nil
	},
	ColDate:         func(rec *RawRecord, v string) error { rec.Date = v; return nil },
	ColBedrooms:     floatSetter(func(rec *RawRecord, f *float64) { rec.Bedrooms = f }),
	ColBathrooms:    floatSetter(func(rec *RawRecord, f *float64) { rec.Bathrooms = f }),
	ColSqftLiving:   floatSetter(func(rec *RawRecord, f *float64) { rec.SqftLiving = f }),
	ColSqftLot:      floatSetter(func(rec *RawRecord, f *float64) { rec.SqftLot = f }),
	ColSqftAbove:    floatSetter(func(rec *RawRecord, f *float64) { rec.SqftAbove = f }),
	ColSqftBasement: floatSetter(func(rec *RawRecord, f *float64) { rec.SqftBasement = f }),
	ColFloors:       floatSetter(func(rec *RawRecord, f *float64) { rec.Floors = f }),
	ColLat:          floatSetter(func(rec *RawRecord, f *float64) { rec.Lat = f }),
	ColLong:         floatSetter(func(rec *RawRecord, f *float64) { rec.Long = f }),
	ColWaterfront:   intSetter(func(rec *RawRecord, n *int) { rec.Waterfront = n }),
	ColView:         intSetter(func(rec *RawRecord, n *int) { rec.View = n }),
	ColCondition:    intSetter(func(rec *RawRecord, n *int) { rec.Condition = n }),
	ColGrade:        intSetter(func(rec *RawRecord, n *int) { rec.Grade = n }),
	ColYrBuilt:      intSetter(func(rec *RawRecord, n *int) { rec.YrBuilt = n }),
	ColYrRenovated:  intSetter(func(rec *RawRecord, n *int) { rec.YrRenovated = n }),
	ColStreet:       stringSetter(func(rec *RawRecord, s *string) { rec.Street = s }),
	ColCity:         stringSetter(func(rec *RawRecord, s *string) { rec.City = s }),
	ColStateZip:     stringSetter(func(rec *RawRecord, s *string) { rec.StateZip = s }),
	ColZipcode:      stringSetter(func(rec *RawRecord, s *string) { rec.Zipcode = s }),
	ColCountry:      stringSetter(func(rec *RawRecord, s *string) { rec.Country = s }),
}

func floatSetter(assign func(*RawRecord, *float64)) cellSetter {
	return func(rec *RawRecord, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		assign(rec, &f)
		return nil
	}
}

func intSetter(assign func(*RawRecord, *int)) cellSetter {
	return func(rec *RawRecord, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("%q is not a whole number", v)
		}
		n := int(f)
		assign(rec, &n)
		return nil
	}
}

func stringSetter(assign func(*RawRecord, *string)) cellSetter {
	return func(rec *RawRecord, v string) error {
		s := v
		assign(rec, &s)
		return nil
	}
}

func isMissing(v string) bool {
	_, ok := missingTokens[strings.ToLower(v)]
	return ok
}

func fromRows(rows [][]string, opts LoadOptions) (*Dataset, error) {
	if len(rows) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrDataLoad, errors.New("missing header row"))
	}
	target := opts.TargetColumn
	if target == "" {
		target = ColPrice
	}

	header := rows[0]
	ds := &Dataset{}
	targetIdx := -1
	colIdx := make([]Column, len(header))
	seen := make(map[Column]bool, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		col := Column(name)
		if seen[col] {
			return nil, apperrors.Wrapf(apperrors.ErrDataLoad, "duplicate column %q", name)
		}
		seen[col] = true
		switch {
		case col == target:
			targetIdx = i
		case setters[col] != nil:
			colIdx[i] = col
			ds.Columns = append(ds.Columns, col)
		}
	}
	if targetIdx >= 0 {
		ds.Target = make([]float64, 0, len(rows)-1)
	}

	ds.Records = make([]RawRecord, 0, len(rows)-1)
	for r, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		line := r + 2
		var rec RawRecord
		for i, col := range colIdx {
			if col == "" || i >= len(row) {
				continue
			}
			value := strings.TrimSpace(row[i])
			if isMissing(value) {
				continue
			}
			if err := setters[col](&rec, value); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("row %d column %s: %w", line, col, err))
			}
		}
		if targetIdx >= 0 {
			price := math.NaN()
			if targetIdx < len(row) {
				value := strings.TrimSpace(row[targetIdx])
				if !isMissing(value) {
					f, err := strconv.ParseFloat(value, 64)
					if err != nil {
						return nil, apperrors.Wrap(apperrors.ErrDataLoad, fmt.Errorf("row %d column %s: %w", line, target, err))
					}
					price = f
				}
			}
			ds.Target = append(ds.Target, price)
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
