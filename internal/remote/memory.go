package remote

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

type Logger interface {
	Printf(format string, args ...any)
}

type MemoryStoreOptions struct {
	StateBackend StateBackend
	Logger       Logger
}

// MemoryStore is an in-process watchable tree. Writes replace the tree
// copy-on-write and queue events for every listener whose location changed.
type MemoryStore struct {
	mu           sync.Mutex
	root         any
	revision     uint64
	nextListener uint64
	listeners    map[ListenerID]*listener
	backend      StateBackend
	logger       Logger
	events       *dispatcher
	closed       bool
}

type listener struct {
	id     ListenerID
	path   string
	parts  []string
	event  EventType
	cb     Callback
	once   bool
	active atomic.Bool
}

func NewMemoryStore() *MemoryStore {
	store, _ := NewMemoryStoreWithOptions(MemoryStoreOptions{})
	return store
}

// NewMemoryStoreWithOptions creates a store and loads the last persisted tree
// from the state backend, if any.
func NewMemoryStoreWithOptions(opts MemoryStoreOptions) (*MemoryStore, error) {
	s := &MemoryStore{
		listeners: map[ListenerID]*listener{},
		backend:   opts.StateBackend,
		logger:    opts.Logger,
		events:    newDispatcher(),
	}
	if s.backend != nil {
		snapshot, err := s.backend.Load()
		if err != nil {
			s.events.close()
			return nil, err
		}
		if snapshot != nil {
			s.root = prune(snapshot.Root)
			s.revision = snapshot.Revision
		}
	}
	return s, nil
}

func (s *MemoryStore) Ref(path string) Ref {
	return &memoryRef{store: s, path: NormalizePath(path)}
}

// Revision counts committed writes.
func (s *MemoryStore) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// ListenerCount returns the number of live listeners, one-shot reads
// included until they fire.
func (s *MemoryStore) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Flush waits until all queued callbacks have run.
func (s *MemoryStore) Flush() {
	s.events.flush()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, l := range s.listeners {
		l.active.Store(false)
		delete(s.listeners, id)
	}
	s.mu.Unlock()
	s.events.close()
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// Get returns a copy of the value stored at path.
func (s *MemoryStore) Get(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJSON(valueAt(s.root, SplitPath(path)))
}

func (s *MemoryStore) subscribe(path string, event EventType, cb Callback, once bool) ListenerID {
	if cb == nil || !event.Valid() {
		s.logf("ignoring %s listener at %q", event, path)
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.nextListener++
	l := &listener{
		id:    ListenerID(s.nextListener),
		path:  path,
		parts: SplitPath(path),
		event: event,
		cb:    cb,
		once:  once,
	}
	l.active.Store(true)
	s.listeners[l.id] = l

	current := valueAt(s.root, l.parts)
	switch event {
	case EventValue:
		s.deliverLocked(l, Snapshot{Key: lastSegment(path), Value: current})
	case EventChildAdded:
		for _, child := range (Snapshot{Value: current}).Children() {
			s.deliverLocked(l, child)
			if once {
				break
			}
		}
	}
	return l.id
}

func (s *MemoryStore) unsubscribe(event EventType, id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[id]
	if !ok || l.event != event {
		return
	}
	l.active.Store(false)
	delete(s.listeners, id)
}

// deliverLocked queues snap for l. One-shot listeners deactivate on the
// first queued delivery.
func (s *MemoryStore) deliverLocked(l *listener, snap Snapshot) {
	if !l.active.Load() {
		return
	}
	if l.once {
		delete(s.listeners, l.id)
	}
	snap.Value = cloneJSON(snap.Value)
	s.events.enqueue(func() {
		if l.once {
			if !l.active.CompareAndSwap(true, false) {
				return
			}
		} else if !l.active.Load() {
			return
		}
		l.cb(snap)
	})
}

func (s *MemoryStore) onceQuery(path, field string, want any, event EventType, cb Callback) {
	if cb == nil {
		return
	}
	if event != EventValue {
		s.logf("ignoring %s on query at %q; only value is supported", event, path)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	filtered := filterChildren(valueAt(s.root, SplitPath(path)), field, want)
	snap := Snapshot{Key: lastSegment(path), Value: cloneJSON(filtered)}
	s.events.enqueue(func() { cb(snap) })
}

// write commits mutate's result at path, persists it and queues events.
// Writes that leave the tree unchanged queue nothing.
func (s *MemoryStore) write(path string, mutate func(current any) (any, error)) error {
	if err := validatePath(path); err != nil {
		return err
	}
	parts := SplitPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next, err := mutate(valueAt(s.root, parts))
	if err != nil {
		return err
	}
	oldRoot := s.root
	newRoot := withValueAt(oldRoot, parts, next)
	if valuesEqual(oldRoot, newRoot) {
		return nil
	}
	s.root = newRoot
	s.revision++
	if err := s.saveLocked(); err != nil {
		s.root = oldRoot
		s.revision--
		return err
	}
	s.notifyLocked(path, oldRoot, newRoot)
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	root, _ := s.root.(map[string]any)
	return s.backend.Save(&PersistedTree{
		Root:     root,
		Revision: s.revision,
		SavedAt:  time.Now().UTC(),
	})
}

// notifyLocked fires child events before value events so that a parent
// value event always follows the child events of the same write.
func (s *MemoryStore) notifyLocked(path string, oldRoot, newRoot any) {
	ids := make([]ListenerID, 0, len(s.listeners))
	for id, l := range s.listeners {
		if related(l.path, path) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		l, ok := s.listeners[id]
		if !ok || l.event == EventValue {
			continue
		}
		oldValue := valueAt(oldRoot, l.parts)
		newValue := valueAt(newRoot, l.parts)
		added, removed := childDiff(oldValue, newValue)
		if l.event == EventChildRemoved {
			for _, key := range removed {
				s.deliverLocked(l, Snapshot{Key: key, Value: childValue(oldValue, key)})
				if l.once {
					break
				}
			}
		}
		if l.event == EventChildAdded {
			for _, key := range added {
				s.deliverLocked(l, Snapshot{Key: key, Value: childValue(newValue, key)})
				if l.once {
					break
				}
			}
		}
	}
	for _, id := range ids {
		l, ok := s.listeners[id]
		if !ok || l.event != EventValue {
			continue
		}
		newValue := valueAt(newRoot, l.parts)
		if valuesEqual(valueAt(oldRoot, l.parts), newValue) {
			continue
		}
		s.deliverLocked(l, Snapshot{Key: lastSegment(l.path), Value: newValue})
	}
}

func related(listenerPath, writePath string) bool {
	if listenerPath == "" || writePath == "" || listenerPath == writePath {
		return true
	}
	return strings.HasPrefix(writePath, listenerPath+"/") || strings.HasPrefix(listenerPath, writePath+"/")
}

func (s *MemoryStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

type memoryRef struct {
	store *MemoryStore
	path  string
}

func (r *memoryRef) Key() string  { return lastSegment(r.path) }
func (r *memoryRef) Path() string { return r.path }

func (r *memoryRef) Child(path string) Ref {
	return &memoryRef{store: r.store, path: JoinPath(r.path, path)}
}

func (r *memoryRef) On(event EventType, cb Callback) ListenerID {
	return r.store.subscribe(r.path, event, cb, false)
}

func (r *memoryRef) Off(event EventType, id ListenerID) {
	r.store.unsubscribe(event, id)
}

func (r *memoryRef) Once(event EventType, cb Callback) {
	r.store.subscribe(r.path, event, cb, true)
}

func (r *memoryRef) Set(value any) error {
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	return r.store.write(r.path, func(any) (any, error) {
		return normalized, nil
	})
}

// Update merges fields into the location. Keys may be relative paths.
func (r *memoryRef) Update(fields map[string]any) error {
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		if NormalizePath(key) == "" {
			return fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		if err := validatePath(key); err != nil {
			return err
		}
		v, err := normalizeValue(value)
		if err != nil {
			return err
		}
		normalized[NormalizePath(key)] = v
	}
	keys := make([]string, 0, len(normalized))
	for key := range normalized {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return r.store.write(r.path, func(current any) (any, error) {
		next := current
		if _, ok := next.(map[string]any); !ok {
			next = nil
		}
		for _, key := range keys {
			next = withValueAt(next, SplitPath(key), normalized[key])
		}
		return next, nil
	})
}

func (r *memoryRef) Remove() error {
	return r.store.write(r.path, func(any) (any, error) { return nil, nil })
}

// Push stores value under a new time-ordered key.
func (r *memoryRef) Push(value any) (Ref, error) {
	child := r.Child(ulid.Make().String())
	if err := child.Set(value); err != nil {
		return nil, err
	}
	return child, nil
}

func (r *memoryRef) OrderByChild(field string) OrderedQuery {
	return memoryOrdered{ref: r, field: field}
}

type memoryOrdered struct {
	ref   *memoryRef
	field string
}

func (o memoryOrdered) EqualTo(value any) Query {
	normalized, err := normalizeValue(value)
	if err != nil {
		o.ref.store.logf("query %s=%v: %v", o.field, value, err)
	}
	return memoryQuery{ref: o.ref, field: o.field, value: normalized}
}

type memoryQuery struct {
	ref   *memoryRef
	field string
	value any
}

func (q memoryQuery) Once(event EventType, cb Callback) {
	q.ref.store.onceQuery(q.ref.path, q.field, q.value, event, cb)
}
