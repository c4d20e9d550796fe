package remote

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/handlesync/internal/handle"
)

var (
	ErrInvalidPath    = errors.New("invalid path")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("remote closed")
)

type EventType string

const (
	EventValue        EventType = "value"
	EventChildAdded   EventType = "child_added"
	EventChildRemoved EventType = "child_removed"
)

func (e EventType) Valid() bool {
	switch e {
	case EventValue, EventChildAdded, EventChildRemoved:
		return true
	}
	return false
}

type ListenerID uint64

// Snapshot is an immutable view of the value at a location. Value holds
// decoded JSON (map[string]any, []any, string, float64, bool) or nil when
// nothing is stored there.
type Snapshot struct {
	Key   string
	Value any
}

func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Record returns the value as a record when it is a JSON object.
func (s Snapshot) Record() (handle.Record, bool) {
	return handle.AsRecord(s.Value)
}

// Children returns the child snapshots ordered by key. Non-object values have
// no children.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Key: k, Value: m[k]})
	}
	return out
}

type Callback func(Snapshot)

type Query interface {
	Once(event EventType, cb Callback)
}

type OrderedQuery interface {
	EqualTo(value any) Query
}

// Ref addresses one location of a watchable tree store. Callbacks are
// delivered asynchronously, one at a time, and never after Off returns for
// the listener.
type Ref interface {
	Query
	Key() string
	Path() string
	Child(path string) Ref
	On(event EventType, cb Callback) ListenerID
	Off(event EventType, id ListenerID)
	Update(fields map[string]any) error
	Set(value any) error
	Remove() error
	Push(value any) (Ref, error)
	OrderByChild(field string) OrderedQuery
}

// NormalizePath trims slashes and collapses empty segments. The root is "".
func NormalizePath(path string) string {
	parts := SplitPath(path)
	return strings.Join(parts, "/")
}

func SplitPath(path string) []string {
	raw := strings.Split(strings.TrimSpace(path), "/")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func JoinPath(base, child string) string {
	base = NormalizePath(base)
	child = NormalizePath(child)
	switch {
	case base == "":
		return child
	case child == "":
		return base
	default:
		return base + "/" + child
	}
}

func lastSegment(path string) string {
	path = NormalizePath(path)
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// validSegment rejects characters that cannot appear in a key.
func validSegment(seg string) bool {
	return seg != "" && !strings.ContainsAny(seg, ".#$[]")
}

func validatePath(path string) error {
	for _, seg := range SplitPath(path) {
		if !validSegment(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
