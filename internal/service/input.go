package service

import (
	"fmt"
	"strings"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

// str reads a string field from loosely typed input.
func str(raw map[string]any, key string) string {
	return asString(raw[key])
}

func asString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// idList accepts a comma string, a list of ids, or a list of objects
// carrying "id" (or one of alt) and returns the ids in order, deduplicated.
func idList(v any, alt ...string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	switch t := v.(type) {
	case nil:
	case string:
		for _, p := range strings.Split(t, ",") {
			add(p)
		}
	case []string:
		for _, p := range t {
			add(p)
		}
	case []any:
		for _, item := range t {
			switch it := item.(type) {
			case string:
				add(it)
			case map[string]any:
				if id := str(it, "id"); id != "" {
					add(id)
					continue
				}
				for _, k := range alt {
					if id := str(it, k); id != "" {
						add(id)
						break
					}
				}
			}
		}
	}
	return out
}

// jsonField encodes an arbitrary input value for a JSON column.
func jsonField(raw map[string]any, key string) (persistence.JSON, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	j, err := persistence.ToJSON(v)
	if err != nil {
		return nil, shared.Validation("%s: %v", key, err)
	}
	return j, nil
}

// take removes key from m and reports whether it was present.
func take(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if ok {
		delete(m, key)
	}
	return v, ok
}
