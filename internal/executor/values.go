package executor

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// NormalizeValue converts a driver value into something encoding/json can
// render without loss of meaning. Values without a natural JSON form are
// rendered as strings.
func NormalizeValue(value any) any {
	return normalize(value, 0)
}

func normalize(value any, depth int) any {
	if depth > 8 {
		return fmt.Sprint(value)
	}

	switch v := value.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	case [16]byte:
		return uuid.UUID(v).String()
	case uuid.UUID:
		return v.String()
	case []byte:
		if utf8.Valid(v) {
			return string(v)
		}
		return "\\x" + hex.EncodeToString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalize(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item, depth+1)
		}
		return out
	case driver.Valuer:
		// pgtype values (numeric, interval, inet, ...) know their own text form
		inner, err := v.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		if _, same := inner.(driver.Valuer); same {
			return fmt.Sprint(inner)
		}
		return normalize(inner, depth+1)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}
