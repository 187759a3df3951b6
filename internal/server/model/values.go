package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05.999999"
)

var columnTypes = map[string]string{
	TypeString:        "character varying",
	TypeInteger:       "bigint",
	TypeDecimal:       "numeric",
	TypeBoolean:       "boolean",
	TypeDate:          "date",
	TypeDateTime:      "timestamp without time zone",
	TypeJSON:          "jsonb",
	TypeReference:     "jsonb",
	TypeManyReference: "jsonb",
	TypeGeometry:      "text",
}

// ColumnType returns the SQL column type for an attribute type.
func ColumnType(attrType string) string {
	return columnTypes[attrType]
}

// IsJSONType reports whether values of the type are stored as jsonb.
func IsJSONType(attrType string) bool {
	return columnTypes[attrType] == "jsonb"
}

// Normalize converts v to the canonical Go value for attrType:
// string, int64, bool, a formatted date/datetime string, or a decoded JSON
// value (map[string]any, []any, float64, string, bool). nil stays nil.
// Canonical values compare equal exactly when they hash equal.
func Normalize(attrType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch attrType {
	case TypeString, TypeGeometry:
		return toText(v)
	case TypeInteger:
		return toInt(v)
	case TypeDecimal:
		return toDecimal(v)
	case TypeBoolean:
		return toBool(v)
	case TypeDate:
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return t.Format(dateLayout), nil
	case TypeDateTime:
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(dateTimeLayout), nil
	case TypeJSON, TypeReference, TypeManyReference:
		return toJSON(v)
	default:
		return nil, fmt.Errorf("unknown type %q", attrType)
	}
}

// Equal compares two canonical values.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// ToDB renders a canonical value as the text argument of a `$n::text::<type>`
// placeholder. nil stays nil.
func ToDB(attrType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if IsJSONType(attrType) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	n, err := Normalize(attrType, v)
	if err != nil {
		return nil, err
	}
	return ToDB(attrType, n)
}

// FromDB converts the text rendering of a column (col::text) back into a
// canonical value.
func FromDB(attrType string, s *string) (any, error) {
	if s == nil {
		return nil, nil
	}
	if IsJSONType(attrType) {
		var v any
		if err := json.Unmarshal([]byte(*s), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", attrType, err)
		}
		return v, nil
	}
	return Normalize(attrType, *s)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integral value %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

// toText renders scalars without exponent notation, so a number delivered
// for a string column reads the same as the digits that were sent.
func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("non-finite value %v", x)
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// toDecimal canonicalizes without a float round-trip for text input, so
// numeric columns keep every delivered digit.
func toDecimal(v any) (string, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fmt.Errorf("non-finite value %v", n)
		}
		d = decimal.NewFromFloat(n)
	case int64:
		d = decimal.NewFromInt(n)
	case int:
		d = decimal.NewFromInt(int64(n))
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(n))
	default:
		return "", fmt.Errorf("cannot convert %T to decimal", v)
	}
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "t", "1", "j", "y":
			return true, nil
		case "false", "f", "0", "n":
			return false, nil
		}
	}
	return false, fmt.Errorf("cannot convert %v to boolean", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	dateLayout,
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time %q", t)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
	}
}

// toJSON round-trips v through encoding/json so that structurally equal
// values share one Go representation.
func toJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
