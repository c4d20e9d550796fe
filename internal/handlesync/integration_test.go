package handlesync_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/handlesync/internal/handle"
	"github.com/agentworkforce/handlesync/internal/handlesync"
	"github.com/agentworkforce/handlesync/internal/httpapi"
	"github.com/agentworkforce/handlesync/internal/localstore"
	"github.com/agentworkforce/handlesync/internal/remote"
)

type participant struct {
	sync  *handlesync.Synchronizer
	notes *localstore.Collection
	prefs *localstore.Register
}

func newParticipant(t *testing.T, root remote.Ref, name string) *participant {
	t.Helper()
	s, err := handlesync.NewSynchronizer(root, handlesync.Options{})
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	p := &participant{
		sync:  s,
		notes: localstore.NewCollection(handle.Descriptor{Type: "Note", Name: "notes", Tags: []string{"shared"}}, localstore.Options{}),
		prefs: localstore.NewRegister(handle.Descriptor{Type: "Prefs", Name: "prefs"}, localstore.Options{}),
	}
	if _, err := s.BeginSync(name, []handle.Handle{p.notes, p.prefs}); err != nil {
		t.Fatalf("begin sync for %s: %v", name, err)
	}
	t.Cleanup(s.Close)
	return p
}

func countChildren(store *remote.MemoryStore, path string) int {
	m, _ := store.Get(path).(map[string]any)
	return len(m)
}

func TestTwoParticipantsOverMemoryStore(t *testing.T) {
	store := remote.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	root := store.Ref("arcs/k")
	p1 := newParticipant(t, root, "P1")
	p2 := newParticipant(t, root, "P2")
	store.Flush()

	notesKey := handlesync.RemotePathFor(p1.notes.Descriptor()).Key()
	valuesPath := "arcs/k/handles/" + notesKey + "/values"

	p1.notes.Store(handle.Record{"id": handlesync.NewRecordID("P1"), "text": "from one"})
	store.Flush()
	if p2.notes.Len() != 1 {
		t.Fatalf("expected P2 to receive P1's note, got %d", p2.notes.Len())
	}

	p2.notes.Store(handle.Record{"id": "P2-b", "text": "from two"})
	store.Flush()
	if p1.notes.Len() != 2 || countChildren(store, valuesPath) != 2 {
		t.Fatalf("expected two notes everywhere without echo, got local %d remote %d", p1.notes.Len(), countChildren(store, valuesPath))
	}

	p2.notes.Remove("P2-b")
	store.Flush()
	if _, ok := p1.notes.Get("P2-b"); ok || countChildren(store, valuesPath) != 1 {
		t.Fatalf("expected removal to reach P1 and the store")
	}

	p1.prefs.Set(handle.Record{"id": "P1-prefs", "theme": "dark"})
	store.Flush()
	if got, ok := p2.prefs.Get(); !ok || got["theme"] != "dark" {
		t.Fatalf("expected P2 to receive prefs, got %#v", got)
	}
	p2.prefs.Clear()
	store.Flush()
	if _, ok := p1.prefs.Get(); ok {
		t.Fatalf("expected clear to reach P1")
	}

	waitFor(t, "notes metadata", func() bool {
		metadata, _ := store.Get("arcs/k/handles/" + notesKey + "/metadata").(map[string]any)
		return metadata["type"] == "Note" && metadata["name"] == "notes"
	})
}

func TestLateJoinerLoadsBacklogAndResyncDoesNotDuplicate(t *testing.T) {
	store := remote.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	root := store.Ref("arcs/k")
	p1 := newParticipant(t, root, "P1")
	store.Flush()
	for _, id := range []string{"P1-a", "P1-b", "P1-c"} {
		p1.notes.Store(handle.Record{"id": id})
	}
	store.Flush()

	p2 := newParticipant(t, root, "P2")
	store.Flush()
	if p2.notes.Len() != 3 {
		t.Fatalf("expected backlog of 3, got %d", p2.notes.Len())
	}
	listeners := store.ListenerCount()

	if _, err := p2.sync.BeginSync("P2", []handle.Handle{p2.notes, p2.prefs}); err != nil {
		t.Fatalf("resync: %v", err)
	}
	store.Flush()
	if store.ListenerCount() != listeners {
		t.Fatalf("expected resync to replace listeners, had %d now %d", listeners, store.ListenerCount())
	}
	if p2.notes.WatcherCount() != 1 {
		t.Fatalf("expected a single local watch after resync, got %d", p2.notes.WatcherCount())
	}

	p2.notes.Store(handle.Record{"id": "P2-d"})
	store.Flush()
	valuesPath := "arcs/k/handles/" + handlesync.RemotePathFor(p2.notes.Descriptor()).Key() + "/values"
	if got := countChildren(store, valuesPath); got != 4 {
		t.Fatalf("expected 4 remote notes, got %d", got)
	}
	if p1.notes.Len() != 4 {
		t.Fatalf("expected P1 to see P2-d, got %d", p1.notes.Len())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParticipantsOverStream(t *testing.T) {
	store := remote.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	server := httptest.NewServer(httpapi.NewServer(store))
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream"

	dial := func(name string) *remote.Client {
		token, err := httpapi.IssueToken("dev-secret", name, "arcs/k", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := remote.Dial(ctx, remote.ClientOptions{URL: url, Token: token})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	p1 := newParticipant(t, dial("P1").Ref("arcs/k"), "P1")
	p2 := newParticipant(t, dial("P2").Ref("arcs/k"), "P2")
	waitFor(t, "initial load", func() bool { return p1.notes.WatcherCount() == 1 && p2.notes.WatcherCount() == 1 })

	p1.notes.Store(handle.Record{"id": "P1-x", "text": "over the wire"})
	waitFor(t, "P2 receives note", func() bool { _, ok := p2.notes.Get("P1-x"); return ok })

	p2.notes.Remove("P1-x")
	waitFor(t, "P1 sees removal", func() bool { _, ok := p1.notes.Get("P1-x"); return !ok })

	p2.prefs.Set(handle.Record{"id": "P2-p", "lang": "go"})
	waitFor(t, "P1 receives prefs", func() bool { got, ok := p1.prefs.Get(); return ok && got["lang"] == "go" })
}
