package handlesync

import (
	"sync"

	"github.com/agentworkforce/handlesync/internal/handle"
	"github.com/agentworkforce/handlesync/internal/remote"
)

// registerWatch pairs a remote value listener with a local register watch.
// The local side is only watched after the first remote snapshot has been
// applied, so the initial load is never echoed back.
type registerWatch struct {
	local       handle.Register
	values      remote.Ref
	participant string
	logger      Logger

	mu          sync.Mutex
	listener    remote.ListenerID
	loaded      bool
	disposed    bool
	cancelLocal func()
}

func watchRegister(local handle.Register, values remote.Ref, participant string, logger Logger) func() {
	w := &registerWatch{
		local:       local,
		values:      values,
		participant: participant,
		logger:      logger,
	}
	id := values.On(remote.EventValue, w.onRemote)
	w.mu.Lock()
	w.listener = id
	w.mu.Unlock()
	return w.dispose
}

func (w *registerWatch) onRemote(snap remote.Snapshot) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	first := !w.loaded
	w.loaded = true
	w.mu.Unlock()

	w.apply(snap)
	if first {
		w.watchLocal()
	}
}

func (w *registerWatch) apply(snap remote.Snapshot) {
	if !snap.Exists() {
		w.local.Clear()
		return
	}
	rec, ok := snap.Record()
	if !ok {
		w.logf("ignoring non-record value at %s", w.values.Path())
		return
	}
	if IsOwnedBy(rec.ID(), w.participant) {
		return
	}
	w.local.Set(rec)
}

func (w *registerWatch) watchLocal() {
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

func (w *registerWatch) onLocal(change handle.RegisterChange) {
	if change.Data == nil {
		if err := w.values.Remove(); err != nil {
			w.logf("clearing %s failed: %v", w.values.Path(), err)
		}
		return
	}
	if !IsOwnedBy(change.Data.ID(), w.participant) {
		return
	}
	if err := w.values.Set(change.Data.StripNil()); err != nil {
		w.logf("writing %s failed: %v", w.values.Path(), err)
	}
}

func (w *registerWatch) dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	id := w.listener
	cancel := w.cancelLocal
	w.cancelLocal = nil
	w.mu.Unlock()

	w.values.Off(remote.EventValue, id)
	if cancel != nil {
		cancel()
	}
}

func (w *registerWatch) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
