package handlesync

import (
	"sync"

	"github.com/agentworkforce/handlesync/internal/handle"
	"github.com/agentworkforce/handlesync/internal/remote"
)

// collectionWatch mirrors a local collection into the children of a remote
// location. Remote children are applied as they arrive; local changes are
// only forwarded once the remote backlog has been delivered.
type collectionWatch struct {
	local       handle.Collection
	values      remote.Ref
	participant string
	logger      Logger

	mu          sync.Mutex
	added       remote.ListenerID
	removed     remote.ListenerID
	loaded      bool
	disposed    bool
	cancelLocal func()
}

func watchCollection(local handle.Collection, values remote.Ref, participant string, logger Logger) func() {
	w := &collectionWatch{
		local:       local,
		values:      values,
		participant: participant,
		logger:      logger,
	}
	added := values.On(remote.EventChildAdded, w.onChildAdded)
	removed := values.On(remote.EventChildRemoved, w.onChildRemoved)
	w.mu.Lock()
	w.added = added
	w.removed = removed
	w.mu.Unlock()
	values.Once(remote.EventValue, w.onLoaded)
	return w.dispose
}

func (w *collectionWatch) isDisposed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disposed
}

func (w *collectionWatch) onChildAdded(snap remote.Snapshot) {
	if w.isDisposed() {
		return
	}
	rec, ok := snap.Record()
	if !ok {
		w.logf("ignoring non-record child %s at %s", snap.Key, w.values.Path())
		return
	}
	if IsOwnedBy(rec.ID(), w.participant) {
		return
	}
	w.local.Store(rec)
}

func (w *collectionWatch) onChildRemoved(snap remote.Snapshot) {
	if w.isDisposed() {
		return
	}
	rec, ok := snap.Record()
	if !ok || rec.ID() == "" {
		w.logf("ignoring removal of child %s without id at %s", snap.Key, w.values.Path())
		return
	}
	w.local.Remove(rec.ID())
}

func (w *collectionWatch) onLoaded(remote.Snapshot) {
	w.mu.Lock()
	if w.disposed || w.loaded {
		w.mu.Unlock()
		return
	}
	w.loaded = true
	w.mu.Unlock()

	cancel := w.local.Watch(w.onLocal)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		if cancel != nil {
			cancel()
		}
		return
	}
	w.cancelLocal = cancel
}

func (w *collectionWatch) onLocal(change handle.CollectionChange) {
	switch change.Kind {
	case handle.ChangeAdded:
		for _, item := range change.Items {
			if !IsOwnedBy(item.ID(), w.participant) {
				continue
			}
			if _, err := w.values.Push(item.StripNil()); err != nil {
				w.logf("pushing %s to %s failed: %v", item.ID(), w.values.Path(), err)
			}
		}
	case handle.ChangeRemoved:
		for _, item := range change.Items {
			id := item.ID()
			if id == "" {
				continue
			}
			w.removeRemote(id)
		}
	default:
		w.logf("unsupported collection change %s at %s", change.Kind, w.values.Path())
	}
}

// removeRemote deletes every child whose id matches. The lookup and the
// deletes are separate operations; a child added with the same id in
// between survives.
func (w *collectionWatch) removeRemote(id string) {
	w.values.OrderByChild(handle.IDField).EqualTo(id).Once(remote.EventValue, func(snap remote.Snapshot) {
		for _, child := range snap.Children() {
			if err := w.values.Child(child.Key).Remove(); err != nil {
				w.logf("removing %s from %s failed: %v", id, w.values.Path(), err)
			}
		}
	})
}

func (w *collectionWatch) dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	added, removed := w.added, w.removed
	cancel := w.cancelLocal
	w.cancelLocal = nil
	w.mu.Unlock()

	w.values.Off(remote.EventChildAdded, added)
	w.values.Off(remote.EventChildRemoved, removed)
	if cancel != nil {
		cancel()
	}
}

func (w *collectionWatch) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
