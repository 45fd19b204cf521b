package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"houseprice/apperrors"
	"houseprice/housing"
)

// Zipcode 邮编，接受字符串或数字
type Zipcode string

func (z *Zipcode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*z = Zipcode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("zipcode must be a string or a number")
	}
	*z = Zipcode(n.String())
	return nil
}

// PredictRequest 单条预测请求，字段与训练文件一致，另加 grade/lat/long/zipcode
type PredictRequest struct {
	Date         string   `json:"date" validate:"required"`
	Bedrooms     *float64 `json:"bedrooms" validate:"required,gte=0"`
	Bathrooms    *float64 `json:"bathrooms" validate:"required,gte=0"`
	SqftLiving   *float64 `json:"sqft_living" validate:"required,gt=0"`
	SqftLot      *float64 `json:"sqft_lot" validate:"required,gte=0"`
	Floors       *float64 `json:"floors" validate:"required,gte=0"`
	Waterfront   *int     `json:"waterfront" validate:"required,oneof=0 1"`
	View         *int     `json:"view" validate:"required,gte=0,lte=4"`
	Condition    *int     `json:"condition" validate:"required,gte=1,lte=5"`
	SqftAbove    *float64 `json:"sqft_above" validate:"required,gte=0"`
	SqftBasement *float64 `json:"sqft_basement" validate:"required,gte=0"`
	YrBuilt      *int     `json:"yr_built" validate:"required,gte=1800,lte=2100"`
	YrRenovated  *int     `json:"yr_renovated" validate:"required,gte=0,lte=2100"`
	Street       string   `json:"street" validate:"required"`
	City         string   `json:"city" validate:"required"`
	StateZip     string   `json:"statezip" validate:"required"`
	Country      *string  `json:"country,omitempty"`
	Grade        *int     `json:"grade" validate:"required,gte=1,lte=13"`
	Lat          *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Long         *float64 `json:"long" validate:"required,gte=-180,lte=180"`
	Zipcode      Zipcode  `json:"zipcode" validate:"required"`
}

// Record 转换为原始记录
func (r *PredictRequest) Record() housing.RawRecord {
	zip := string(r.Zipcode)
	return housing.RawRecord{
		Date:         r.Date,
		Bedrooms:     r.Bedrooms,
		Bathrooms:    r.Bathrooms,
		SqftLiving:   r.SqftLiving,
		SqftLot:      r.SqftLot,
		SqftAbove:    r.SqftAbove,
		SqftBasement: r.SqftBasement,
		Floors:       r.Floors,
		Waterfront:   r.Waterfront,
		View:         r.View,
		Condition:    r.Condition,
		Grade:        r.Grade,
		YrBuilt:      r.YrBuilt,
		YrRenovated:  r.YrRenovated,
		Street:       housing.String(r.Street),
		City:         housing.String(r.City),
		StateZip:     housing.String(r.StateZip),
		Zipcode:      &zip,
		Country:      r.Country,
		Lat:          r.Lat,
		Long:         r.Long,
	}
}

// BatchPredictRequest 批量预测请求
type BatchPredictRequest struct {
	Records []PredictRequest `json:"records" validate:"dive"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误信息使用 JSON 字段名
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var validate = newValidator()

// decodeJSON 解析并校验请求体，失败时返回可直接写回的 APIError
func decodeJSON(r *http.Request, dst any) *apperrors.APIError {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &apperrors.APIError{
				StatusCode: http.StatusRequestEntityTooLarge,
				ErrorCode:  "PAYLOAD_TOO_LARGE",
				Message:    fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			}
		case errors.Is(err, io.EOF):
			return apperrors.FromError(apperrors.Wrapf(apperrors.ErrValidation, "request body is empty"))
		default:
			return apperrors.FromError(apperrors.Wrapf(apperrors.ErrValidation, "invalid JSON: %v", err))
		}
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperrors.FromError(apperrors.Wrap(apperrors.ErrValidation, err))
		}
		fields := make([]apperrors.FieldError, len(verrs))
		for i, fe := range verrs {
			fields[i] = apperrors.FieldError{Field: fieldPath(fe), Message: fieldMessage(fe)}
		}
		return apperrors.NewValidation(fields)
	}
	return nil
}

// fieldPath 去掉顶层结构体名，如 BatchPredictRequest.records[0].date -> records[0].date
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
