package changefeed

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
)

// Diff returns the sorted set of paths that differ between two JSON-shaped
// values (nil, bool, float64, string, []any, map[string]any). Other Go
// values are normalized through encoding/json first.
//
// Record keys are joined with "." and sequence indices render as "[i]".
// The root path is "".
func Diff(prev, next any) []string {
	changed := map[string]struct{}{}
	diffValues("", normalizeJSON(prev), normalizeJSON(next), changed)
	out := make([]string, 0, len(changed))
	for path := range changed {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func diffValues(path string, prev, next any, changed map[string]struct{}) {
	if prev == nil || next == nil {
		if prev != nil || next != nil {
			changed[path] = struct{}{}
		}
		return
	}
	switch p := prev.(type) {
	case map[string]any:
		n, ok := next.(map[string]any)
		if !ok {
			changed[path] = struct{}{}
			return
		}
		keys := map[string]struct{}{}
		for k := range p {
			keys[k] = struct{}{}
		}
		for k := range n {
			keys[k] = struct{}{}
		}
		for k := range keys {
			diffValues(joinKey(path, k), p[k], n[k], changed)
		}
	case []any:
		n, ok := next.([]any)
		if !ok {
			changed[path] = struct{}{}
			return
		}
		if len(p) != len(n) {
			changed[path] = struct{}{}
		}
		overlap := len(p)
		if len(n) < overlap {
			overlap = len(n)
		}
		for i := 0; i < overlap; i++ {
			diffValues(path+"["+strconv.Itoa(i)+"]", p[i], n[i], changed)
		}
	default:
		if reflect.TypeOf(prev) != reflect.TypeOf(next) || !reflect.DeepEqual(prev, next) {
			changed[path] = struct{}{}
		}
	}
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func normalizeJSON(value any) any {
	switch v := value.(type) {
	case nil, bool, float64, string:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeJSON(item)
		}
		return out
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return string(v)
		}
		return decoded
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return value
	}
	return decoded
}
