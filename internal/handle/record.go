package handle

import "fmt"

// Record is a JSON-like entity. The "id" field carries the creating
// participant's identity as a prefix.
type Record map[string]any

const IDField = "id"

func (r Record) ID() string {
	if r == nil {
		return ""
	}
	switch v := r[IDField].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

// StripNil returns a deep copy of r without nil-valued fields, at any depth.
func (r Record) StripNil() Record {
	if r == nil {
		return nil
	}
	return stripNil(map[string]any(r)).(map[string]any)
}

// AsRecord converts a decoded JSON value into a record. It fails for values
// that are not objects.
func AsRecord(v any) (Record, bool) {
	switch typed := v.(type) {
	case Record:
		return typed.Clone(), true
	case map[string]any:
		return Record(typed).Clone(), true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Record:
		return cloneValue(map[string]any(typed))
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, child := range typed {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

func stripNil(v any) any {
	switch typed := v.(type) {
	case Record:
		return stripNil(map[string]any(typed))
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, child := range typed {
			if child == nil {
				continue
			}
			out[k] = stripNil(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, child := range typed {
			if child == nil {
				continue
			}
			out = append(out, stripNil(child))
		}
		return out
	default:
		return v
	}
}
