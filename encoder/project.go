package encoder

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05.999999999"
)

// baseType strips length and precision, VARCHAR(20) -> VARCHAR.
func baseType(t string) string {
	if i := strings.IndexAny(t, "(<"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(strings.ToUpper(t))
}

// project converts a scanned driver value into the value written for a column
// of type t. Unknown types keep the driver's value, with byte slices turned
// into strings.
func project(t string, v any) any {
	if v == nil {
		return nil
	}
	switch bt := baseType(t); {
	case bt == "ARRAY" || strings.HasPrefix(bt, "_"):
		return opaque(v)
	case bt == "BIGINT" || bt == "INTEGER" || bt == "INT" || bt == "INT8" || bt == "INT4":
		if n, ok := toInt64(v); ok {
			return n
		}
	case bt == "TINYINT" || bt == "SMALLINT" || bt == "INT2":
		if n, ok := toInt64(v); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n)
		}
	case bt == "BOOLEAN" || bt == "BOOL":
		if b, ok := toBool(v); ok {
			return b
		}
	case bt == "BLOB" || bt == "BINARY" || bt == "VARBINARY" || bt == "BYTEA":
		if b, ok := v.([]byte); ok {
			return b
		}
		return []byte(fmt.Sprint(v))
	case bt == "DOUBLE" || bt == "FLOAT8" || bt == "DOUBLE PRECISION":
		if f, ok := toFloat64(v); ok {
			return f
		}
	case bt == "FLOAT" || bt == "REAL" || bt == "FLOAT4":
		if f, ok := toFloat64(v); ok {
			return float32(f)
		}
	case bt == "DATE":
		if ts, ok := v.(time.Time); ok {
			return ts.Format(dateLayout)
		}
	case bt == "TIMESTAMP" || bt == "DATETIME" || bt == "TIMESTAMPTZ":
		if ts, ok := v.(time.Time); ok {
			return ts.Format(timestampLayout)
		}
	}
	return opaque(v)
}

func opaque(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(timestampLayout)
	}
	return v
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), n == math.Trunc(n)
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int64:
		return b != 0, true
	case []byte:
		p, err := strconv.ParseBool(string(b))
		return p, err == nil
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	return false, false
}

// text renders a projected value as a delimited-text cell.
func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}
