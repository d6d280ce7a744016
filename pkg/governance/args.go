package governance

import (
	"encoding/json"
	"sort"
	"strings"
)

// celArgs converts json.Number leaves from staging into float64 so CEL sees
// ordinary doubles.
func celArgs(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = celValue(val)
	}
	return out
}

func celValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return celArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = celValue(e)
		}
		return out
	default:
		return v
	}
}

// callKey identifies a call by tool and canonical arguments for duplicate
// suppression.
func callKey(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(tool)
	for _, k := range keys {
		raw, _ := json.Marshal(args[k])
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.Write(raw)
	}
	return b.String()
}
