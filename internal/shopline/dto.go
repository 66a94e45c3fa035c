package shopline

import "strings"

// The provider returns inconsistent shapes across its endpoints: the direct query
// APIs and the webhook bodies disagree on field names and nesting. Each logical
// field therefore resolves through an ordered list of candidate paths, applied
// deterministically; normalizers record which path supplied each field so schema
// drift upstream shows up in regression tests rather than in production.

// lookupPath descends dot-separated map keys and returns the value when present.
func lookupPath(raw map[string]any, path string) (any, bool) {
	if raw == nil || path == "" {
		return nil, false
	}
	current := any(raw)
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// firstString returns the first non-empty string among the candidate paths,
// together with the path that supplied it.
func firstString(raw map[string]any, paths []string) (string, string, bool) {
	for _, path := range paths {
		value, ok := lookupPath(raw, path)
		if !ok {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed, path, true
		}
	}
	return "", "", false
}

// firstMap returns the first non-empty object among the candidate paths.
func firstMap(raw map[string]any, paths []string) (map[string]any, string, bool) {
	for _, path := range paths {
		value, ok := lookupPath(raw, path)
		if !ok {
			continue
		}
		m, ok := value.(map[string]any)
		if !ok || len(m) == 0 {
			continue
		}
		return m, path, true
	}
	return nil, "", false
}

// firstValue returns the first present value of any type among the candidate paths.
func firstValue(raw map[string]any, paths []string) (any, string, bool) {
	for _, path := range paths {
		if value, ok := lookupPath(raw, path); ok && value != nil {
			return value, path, true
		}
	}
	return nil, "", false
}

// deepCopyMap clones nested maps and slices so retained raw payloads cannot be
// mutated through shared references.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for key, value := range src {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return value
	}
}

func recordSource(sources map[string]string, field, path string, ok bool) {
	if ok && path != "" {
		sources[field] = path
	}
}
