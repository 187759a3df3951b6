package relate

import (
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/regstate/internal/common"
)

// Bronwaarden extracts the raw source values from a decoded reference
// column: an object {"bronwaarde": v} for single references, a list of such
// objects for many references, or nil.
func Bronwaarden(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if s, ok := text(x[common.FieldBronwaarde]); ok {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, Bronwaarden(item)...)
		}
		return out
	default:
		return nil
	}
}

func text(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return fmt.Sprint(x), true
	}
}
