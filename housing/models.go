package housing

type Column string

const (
	ColID           Column = "id"
	ColDate         Column = "date"
	ColPrice        Column = "price"
	ColBedrooms     Column = "bedrooms"
	ColBathrooms    Column = "bathrooms"
	ColSqftLiving   Column = "sqft_living"
	ColSqftLot      Column = "sqft_lot"
	ColFloors       Column = "floors"
	ColWaterfront   Column = "waterfront"
	ColView         Column = "view"
	ColCondition    Column = "condition"
	ColGrade        Column = "grade"
	ColSqftAbove    Column = "sqft_above"
	ColSqftBasement Column = "sqft_basement"
	ColYrBuilt      Column = "yr_built"
	ColYrRenovated  Column = "yr_renovated"
	ColStreet       Column = "street"
	ColCity         Column = "city"
	ColStateZip     Column = "statezip"
	ColZipcode      Column = "zipcode"
	ColCountry      Column = "country"
	ColLat          Column = "lat"
	ColLong         Column = "long"
)

// FeatureColumns lists every raw column the loaders understand, in the
// order of the King County export.
var FeatureColumns = []Column{
	ColID, ColDate, ColBedrooms, ColBathrooms, ColSqftLiving, ColSqftLot,
	ColFloors, ColWaterfront, ColView, ColCondition, ColGrade, ColSqftAbove,
	ColSqftBasement, ColYrBuilt, ColYrRenovated, ColStreet, ColCity,
	ColStateZip, ColZipcode, ColCountry, ColLat, ColLong,
}

// RequestColumns are the columns carried by a single serving request.
// Country is optional on the wire but the column itself is always declared.
var RequestColumns = []Column{
	ColDate, ColBedrooms, ColBathrooms, ColSqftLiving, ColSqftLot, ColFloors,
	ColWaterfront, ColView, ColCondition, ColSqftAbove, ColSqftBasement,
	ColYrBuilt, ColYrRenovated, ColStreet, ColCity, ColStateZip, ColCountry,
	ColGrade, ColLat, ColLong, ColZipcode,
}

// RawRecord is one listing as read from a file or a request. Nil pointers
// are missing values.
type RawRecord struct {
	ID           *int64   `json:"id,omitempty"`
	Date         string   `json:"date"`
	Bedrooms     *float64 `json:"bedrooms,omitempty"`
	Bathrooms    *float64 `json:"bathrooms,omitempty"`
	SqftLiving   *float64 `json:"sqft_living,omitempty"`
	SqftLot      *float64 `json:"sqft_lot,omitempty"`
	SqftAbove    *float64 `json:"sqft_above,omitempty"`
	SqftBasement *float64 `json:"sqft_basement,omitempty"`
	Floors       *float64 `json:"floors,omitempty"`
	Waterfront   *int     `json:"waterfront,omitempty"`
	View         *int     `json:"view,omitempty"`
	Condition    *int     `json:"condition,omitempty"`
	Grade        *int     `json:"grade,omitempty"`
	YrBuilt      *int     `json:"yr_built,omitempty"`
	YrRenovated  *int     `json:"yr_renovated,omitempty"`
	Street       *string  `json:"street,omitempty"`
	City         *string  `json:"city,omitempty"`
	StateZip     *string  `json:"statezip,omitempty"`
	Zipcode      *string  `json:"zipcode,omitempty"`
	Country      *string  `json:"country,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Long         *float64 `json:"long,omitempty"`
}

// Dataset is a batch of raw records together with the set of columns the
// source actually carried. A column that is absent from Columns is treated
// as absent for every record, regardless of field values.
type Dataset struct {
	Columns []Column
	Records []RawRecord
	// Target holds the label for each record, nil when the source had no
	// target column.
	Target []float64
}

// NewDataset wraps request records. All request columns are declared present.
func NewDataset(records []RawRecord) *Dataset {
	columns := make([]Column, len(RequestColumns))
	copy(columns, RequestColumns)
	return &Dataset{Columns: columns, Records: records}
}

func (d *Dataset) Has(c Column) bool {
	for _, col := range d.Columns {
		if col == c {
			return true
		}
	}
	return false
}

// HasAll reports whether every column in cols is present, and returns the
// ones that are not.
func (d *Dataset) HasAll(cols ...Column) (bool, []Column) {
	var missing []Column
	for _, c := range cols {
		if !d.Has(c) {
			missing = append(missing, c)
		}
	}
	return len(missing) == 0, missing
}

func (d *Dataset) Len() int {
	return len(d.Records)
}

func (d *Dataset) HasTarget() bool {
	return d.Target != nil
}

// Head returns a dataset holding the first n records.
func (d *Dataset) Head(n int) *Dataset {
	if n < 0 || n > len(d.Records) {
		n = len(d.Records)
	}
	head := &Dataset{
		Columns: d.Columns,
		Records: d.Records[:n],
	}
	if d.Target != nil {
		head.Target = d.Target[:n]
	}
	return head
}

// Subset returns a dataset holding the records at the given positions.
func (d *Dataset) Subset(rows []int) *Dataset {
	sub := &Dataset{
		Columns: d.Columns,
		Records: make([]RawRecord, 0, len(rows)),
	}
	if d.Target != nil {
		sub.Target = make([]float64, 0, len(rows))
	}
	for _, i := range rows {
		sub.Records = append(sub.Records, d.Records[i])
		if d.Target != nil {
			sub.Target = append(sub.Target, d.Target[i])
		}
	}
	return sub
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }

func Int64(v int64) *int64 { return &v }

func String(v string) *string { return &v }
