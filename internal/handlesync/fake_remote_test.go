package handlesync

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/handlesync/internal/remote"
)

// fakeTree records every call made through its refs. Nothing is delivered
// on its own; tests fire events by hand.
type fakeTree struct {
	mu        sync.Mutex
	next      remote.ListenerID
	listeners []*fakeListener
	onces     []*fakeListener
	queries   []*fakeQuery
	sets      []fakeWrite
	updates   []fakeWrite
	pushes    []fakeWrite
	removes   []string
	offs      int
	pushSeq   int
}

type fakeListener struct {
	id     remote.ListenerID
	path   string
	event  remote.EventType
	cb     remote.Callback
	active bool
}

type fakeQuery struct {
	path  string
	field string
	value any
	cb    remote.Callback
}

type fakeWrite struct {
	path  string
	value any
}

func newFakeTree() *fakeTree {
	return &fakeTree{}
}

func (t *fakeTree) Ref(path string) *fakeRef {
	return &fakeRef{tree: t, path: remote.NormalizePath(path)}
}

// fire delivers snap to the active listeners for event at path.
func (t *fakeTree) fire(path string, event remote.EventType, snap remote.Snapshot) {
	t.mu.Lock()
	var cbs []remote.Callback
	for _, l := range t.listeners {
		if l.active && l.path == path && l.event == event {
			cbs = append(cbs, l.cb)
		}
	}
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

// fireOnce delivers snap to pending once registrations at path.
func (t *fakeTree) fireOnce(path string, event remote.EventType, snap remote.Snapshot) {
	t.mu.Lock()
	var cbs []remote.Callback
	remaining := t.onces[:0]
	for _, l := range t.onces {
		if l.path == path && l.event == event {
			cbs = append(cbs, l.cb)
			continue
		}
		remaining = append(remaining, l)
	}
	t.onces = remaining
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

// listener returns the most recent listener registered for event at path,
// whether or not it is still active.
func (t *fakeTree) listener(path string, event remote.EventType) *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.listeners) - 1; i >= 0; i-- {
		if l := t.listeners[i]; l.path == path && l.event == event {
			return l
		}
	}
	return nil
}

func (t *fakeTree) pendingOnce(path string, event remote.EventType) *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.onces {
		if l.path == path && l.event == event {
			return l
		}
	}
	return nil
}

func (t *fakeTree) activeListeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, l := range t.listeners {
		if l.active {
			n++
		}
	}
	return n
}

func (t *fakeTree) activePaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, l := range t.listeners {
		if l.active {
			out = append(out, fmt.Sprintf("%s %s", l.event, l.path))
		}
	}
	sort.Strings(out)
	return out
}

func (t *fakeTree) recordedSets() []fakeWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fakeWrite(nil), t.sets...)
}

func (t *fakeTree) recordedPushes() []fakeWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fakeWrite(nil), t.pushes...)
}

func (t *fakeTree) recordedUpdates() []fakeWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fakeWrite(nil), t.updates...)
}

func (t *fakeTree) recordedRemoves() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.removes...)
}

func (t *fakeTree) recordedQueries() []*fakeQuery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeQuery(nil), t.queries...)
}

type fakeRef struct {
	tree *fakeTree
	path string
}

func (r *fakeRef) Key() string {
	if idx := strings.LastIndex(r.path, "/"); idx >= 0 {
		return r.path[idx+1:]
	}
	return r.path
}

func (r *fakeRef) Path() string { return r.path }

func (r *fakeRef) Child(path string) remote.Ref {
	return &fakeRef{tree: r.tree, path: remote.JoinPath(r.path, path)}
}

func (r *fakeRef) On(event remote.EventType, cb remote.Callback) remote.ListenerID {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.tree.next++
	r.tree.listeners = append(r.tree.listeners, &fakeListener{
		id: r.tree.next, path: r.path, event: event, cb: cb, active: true,
	})
	return r.tree.next
}

func (r *fakeRef) Off(event remote.EventType, id remote.ListenerID) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.tree.offs++
	for _, l := range r.tree.listeners {
		if l.id == id && l.event == event {
			l.active = false
		}
	}
}

func (r *fakeRef) Once(event remote.EventType, cb remote.Callback) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.tree.onces = append(r.tree.onces, &fakeListener{path: r.path, event: event, cb: cb})
}

func (r *fakeRef) Update(fields map[string]any) error {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.tree.updates = append(r.tree.updates, fakeWrite{path: r.path, value: fields})
	return nil
}

func (r *fakeRef) Set(value any) error {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.tree.sets = append(r.tree.sets, fakeWrite{path: r.path, value: value})
	return nil
}

func (r *fakeRef) Remove() error {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.tree.removes = append(r.tree.removes, r.path)
	return nil
}

func (r *fakeRef) Push(value any) (remote.Ref, error) {
	r.tree.mu.Lock()
	r.tree.pushSeq++
	key := fmt.Sprintf("k%d", r.tree.pushSeq)
	r.tree.pushes = append(r.tree.pushes, fakeWrite{path: r.path, value: value})
	r.tree.mu.Unlock()
	return r.Child(key), nil
}

func (r *fakeRef) OrderByChild(field string) remote.OrderedQuery {
	return fakeOrdered{ref: r, field: field}
}

type fakeOrdered struct {
	ref   *fakeRef
	field string
}

func (o fakeOrdered) EqualTo(value any) remote.Query {
	return fakeQueryBuilder{ref: o.ref, field: o.field, value: value}
}

type fakeQueryBuilder struct {
	ref   *fakeRef
	field string
	value any
}

func (q fakeQueryBuilder) Once(event remote.EventType, cb remote.Callback) {
	q.ref.tree.mu.Lock()
	defer q.ref.tree.mu.Unlock()
	q.ref.tree.queries = append(q.ref.tree.queries, &fakeQuery{path: q.ref.path, field: q.field, value: q.value, cb: cb})
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
