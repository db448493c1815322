package connector

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// NormalizeValue converts decoded column values into plain Go values that
// encode predictably as JSON and compare predictably in predicates:
// integers widen to int64, numerics keep their exact decimal text as a
// json.Number, uuids become their canonical string.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint:
		return json.Number(strconv.FormatUint(uint64(val), 10))
	case uint64:
		return json.Number(strconv.FormatUint(val, 10))
	case float32:
		return float64(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return "\\x" + hex.EncodeToString(val)
	case pgtype.Numeric:
		return numericValue(val)
	case time.Time:
		return val.UTC()
	case []any:
		out := make([]any, len(val))
		for idx, item := range val {
			out[idx] = NormalizeValue(item)
		}
		return out
	case map[string]any:
		return NormalizeValues(val)
	default:
		return v
	}
}

// NormalizeValues applies NormalizeValue to every entry of a row.
func NormalizeValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = NormalizeValue(value)
	}
	return out
}

// numericValue renders n without going through float64. NaN and the
// infinities have no JSON number form and become strings.
func numericValue(n pgtype.Numeric) any {
	switch {
	case !n.Valid:
		return nil
	case n.NaN:
		return "NaN"
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity"
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity"
	}
	text, err := n.MarshalJSON()
	if err != nil {
		return nil
	}
	return json.Number(text)
}
