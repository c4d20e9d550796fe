package remote

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// normalizeValue converts v into its decoded JSON form and prunes nil
// fields and empty objects, so stored trees only contain
// map[string]any, []any, string, float64 and bool.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return prune(decoded), nil
}

func prune(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		for k, child := range typed {
			child = prune(child)
			if child == nil {
				delete(typed, k)
				continue
			}
			typed[k] = child
		}
		if len(typed) == 0 {
			return nil
		}
		return typed
	case []any:
		if len(typed) == 0 {
			return nil
		}
		return typed
	default:
		return v
	}
}

func valueAt(root any, parts []string) any {
	current := root
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// withValueAt returns a new tree with value stored at parts. Maps along the
// path are copied, so trees handed out earlier stay unchanged. A nil value
// deletes the location and prunes parents left empty.
func withValueAt(root any, parts []string, value any) any {
	if len(parts) == 0 {
		return value
	}
	existing, _ := root.(map[string]any)
	next := make(map[string]any, len(existing)+1)
	for k, v := range existing {
		next[k] = v
	}
	child := withValueAt(next[parts[0]], parts[1:], value)
	if child == nil {
		delete(next, parts[0])
	} else {
		next[parts[0]] = child
	}
	if len(next) == 0 {
		return nil
	}
	return next
}

func cloneJSON(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, child := range typed {
			out[k] = cloneJSON(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = cloneJSON(child)
		}
		return out
	default:
		return v
	}
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// childDiff lists the keys added and removed between two object values.
func childDiff(oldValue, newValue any) (added, removed []string) {
	oldMap, _ := oldValue.(map[string]any)
	newMap, _ := newValue.(map[string]any)
	for k := range newMap {
		if _, ok := oldMap[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range oldMap {
		if _, ok := newMap[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func childValue(v any, key string) any {
	m, _ := v.(map[string]any)
	return m[key]
}

// filterChildren keeps the children of v whose field equals want.
func filterChildren(v any, field string, want any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := map[string]any{}
	for k, child := range m {
		fields, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if valuesEqual(fields[field], want) {
			out[k] = child
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
