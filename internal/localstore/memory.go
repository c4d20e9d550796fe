package localstore

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/agentworkforce/handlesync/internal/handle"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Validator checks a record against the rules for a handle type.
type Validator interface {
	Validate(typ string, v any) error
}

type Options struct {
	Validator Validator
	Logger    Logger
}

// watchers fans a change out to every subscriber, in subscription order, on
// the goroutine that made the change.
type watchers[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (w *watchers[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	w.mu.Lock()
	if w.fns == nil {
		w.fns = map[uint64]func(T){}
	}
	w.next++
	id := w.next
	w.fns[id] = fn
	w.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers[T]) emit(change T) {
	w.mu.Lock()
	ids := make([]uint64, 0, len(w.fns))
	for id := range w.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.fns[id])
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (w *watchers[T]) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fns)
}

// Register is an in-memory register handle.
type Register struct {
	desc      handle.Descriptor
	validator Validator
	logger    Logger

	mu       sync.Mutex
	value    handle.Record
	watchers watchers[handle.RegisterChange]
}

func NewRegister(desc handle.Descriptor, opts Options) *Register {
	desc.Kind = handle.KindRegister
	return &Register{desc: desc, validator: opts.Validator, logger: opts.Logger}
}

func (r *Register) Descriptor() handle.Descriptor {
	return r.desc
}

func (r *Register) Get() (handle.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value == nil {
		return nil, false
	}
	return r.value.Clone(), true
}

// Put stores rec and notifies watchers when the value changed.
func (r *Register) Put(rec handle.Record) error {
	if rec == nil {
		r.Clear()
		return nil
	}
	_, err := r.put(rec)
	return err
}

func (r *Register) put(rec handle.Record) (bool, error) {
	if r.validator != nil {
		if err := r.validator.Validate(r.desc.Type, rec); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	if reflect.DeepEqual(r.value, rec) {
		r.mu.Unlock()
		return false, nil
	}
	r.value = rec.Clone()
	r.mu.Unlock()
	r.watchers.emit(handle.RegisterChange{Data: rec.Clone()})
	return true, nil
}

func (r *Register) Set(rec handle.Record) {
	if err := r.Put(rec); err != nil {
		r.logf("register %s rejected record %s: %v", r.desc.Name, rec.ID(), err)
	}
}

func (r *Register) Clear() {
	r.clear()
}

func (r *Register) clear() bool {
	r.mu.Lock()
	if r.value == nil {
		r.mu.Unlock()
		return false
	}
	r.value = nil
	r.mu.Unlock()
	r.watchers.emit(handle.RegisterChange{})
	return true
}

func (r *Register) Watch(fn func(handle.RegisterChange)) func() {
	return r.watchers.add(fn)
}

// WatcherCount reports how many watches are installed.
func (r *Register) WatcherCount() int {
	return r.watchers.count()
}

func (r *Register) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

// Collection is an in-memory collection handle keyed by record id.
type Collection struct {
	desc      handle.Descriptor
	validator Validator
	logger    Logger

	mu       sync.Mutex
	items    map[string]handle.Record
	watchers watchers[handle.CollectionChange]
}

func NewCollection(desc handle.Descriptor, opts Options) *Collection {
	desc.Kind = handle.KindCollection
	return &Collection{
		desc:      desc,
		validator: opts.Validator,
		logger:    opts.Logger,
		items:     map[string]handle.Record{},
	}
}

func (c *Collection) Descriptor() handle.Descriptor {
	return c.desc
}

// Items returns copies of the stored records ordered by id.
func (c *Collection) Items() []handle.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]handle.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.items[id].Clone())
	}
	return out
}

func (c *Collection) Get(id string) (handle.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Add stores rec, replacing the record with the same id. Watchers see an
// added change only when the stored content differs.
func (c *Collection) Add(rec handle.Record) error {
	_, err := c.put(rec)
	return err
}

func (c *Collection) put(rec handle.Record) (bool, error) {
	id := rec.ID()
	if id == "" {
		return false, fmt.Errorf("record in %s has no id", c.desc.Name)
	}
	if c.validator != nil {
		if err := c.validator.Validate(c.desc.Type, rec); err != nil {
			return false, err
		}
	}
	c.mu.Lock()
	if current, ok := c.items[id]; ok && reflect.DeepEqual(current, rec) {
		c.mu.Unlock()
		return false, nil
	}
	c.items[id] = rec.Clone()
	c.mu.Unlock()
	c.watchers.emit(handle.CollectionChange{Kind: handle.ChangeAdded, Items: []handle.Record{rec.Clone()}})
	return true, nil
}

func (c *Collection) Store(rec handle.Record) {
	if err := c.Add(rec); err != nil {
		c.logf("collection %s rejected record %s: %v", c.desc.Name, rec.ID(), err)
	}
}

func (c *Collection) Remove(id string) {
	c.remove(id)
}

func (c *Collection) remove(id string) bool {
	c.mu.Lock()
	rec, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.items, id)
	c.mu.Unlock()
	c.watchers.emit(handle.CollectionChange{Kind: handle.ChangeRemoved, Items: []handle.Record{rec}})
	return true
}

func (c *Collection) Watch(fn func(handle.CollectionChange)) func() {
	return c.watchers.add(fn)
}

func (c *Collection) WatcherCount() int {
	return c.watchers.count()
}

func (c *Collection) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
