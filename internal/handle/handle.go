package handle

import (
	"sort"
	"strings"
)

type Kind string

const (
	KindUnknown    Kind = ""
	KindRegister   Kind = "register"
	KindCollection Kind = "collection"
)

// Descriptor describes a local handle. It does not change for the lifetime of
// a sync session.
type Descriptor struct {
	Kind Kind
	Type string
	Name string
	Tags []string
}

// HasTag reports whether the descriptor carries tag. A leading '#' is ignored
// on both sides.
func (d Descriptor) HasTag(tag string) bool {
	tag = normalizeTag(tag)
	if tag == "" {
		return false
	}
	for _, t := range d.Tags {
		if normalizeTag(t) == tag {
			return true
		}
	}
	return false
}

// NormalizedTags returns the trimmed, de-duplicated and sorted tag set.
func (d Descriptor) NormalizedTags() []string {
	return NormalizeTags(d.Tags)
}

func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeTag(tag string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(tag), "#"))
}

type Handle interface {
	Descriptor() Descriptor
}

// RegisterChange is delivered when a register is written or cleared. A nil
// Data means the register was cleared.
type RegisterChange struct {
	Data Record
}

type Register interface {
	Handle
	Get() (Record, bool)
	Set(rec Record)
	Clear()
	Watch(fn func(RegisterChange)) (cancel func())
}

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type CollectionChange struct {
	Kind  ChangeKind
	Items []Record
}

// Collection is an unordered set of records keyed by id. Store of an id that
// is already present replaces it, Remove of an absent id does nothing and
// emits no change.
type Collection interface {
	Handle
	Items() []Record
	Store(rec Record)
	Remove(id string)
	Watch(fn func(CollectionChange)) (cancel func())
}
