package model

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Kind is the type tag of a single dataset cell
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindDatetime
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "numeric"
	case KindString:
		return "string"
	case KindDatetime:
		return "datetime"
	case KindBoolean:
		return "boolean"
	default:
		return "null"
	}
}

// Value is one typed cell. The zero Value is null.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Time time.Time
	Bool bool
}

// Null returns the null cell
func Null() Value { return Value{} }

// Number wraps a float as a numeric cell; NaN becomes null
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	if f == 0 {
		f = 0 // -0 is stored as 0
	}
	return Value{Kind: KindNumber, Num: f}
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Datetime(t time.Time) Value { return Value{Kind: KindDatetime, Time: t.UTC()} }

func Boolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports whether two cells hold the same kind and value
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindDatetime:
		return v.Time.Equal(o.Time)
	case KindBoolean:
		return v.Bool == o.Bool
	default:
		return true
	}
}

// Key returns a string that is identical for Equal cells and distinct otherwise.
// Used for grouping and duplicate detection.
func (v Value) Key() string {
	switch v.Kind {
	case KindNumber:
		return "n:" + strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return "s:" + v.Str
	case KindDatetime:
		return "d:" + strconv.FormatInt(v.Time.UnixNano(), 10)
	case KindBoolean:
		return "b:" + strconv.FormatBool(v.Bool)
	default:
		return "0"
	}
}

// String renders the cell the way csv output shows it; null is empty
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindDatetime:
		return v.Time.Format(time.RFC3339Nano)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Interface returns the cell as a plain Go value (nil for null)
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindDatetime:
		return v.Time.Format(time.RFC3339Nano)
	case KindBoolean:
		return v.Bool
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// FromInterface maps a decoded JSON/YAML value onto a cell. Nested values are
// kept as their compact JSON text.
func FromInterface(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case bool:
		return Boolean(t)
	case time.Time:
		return Datetime(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return Null()
		}
		return String(string(b))
	}
}
