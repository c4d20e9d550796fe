package localstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/handlesync/internal/handle"
)

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

func TestDirCollectionPersistsRecords(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDir(dir, handle.Descriptor{Type: "Person", Name: "people"}, Options{})
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	if err := c.Add(handle.Record{"id": "P1-a", "age": 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "P1-a.json")); err != nil {
		t.Fatalf("expected record file: %v", err)
	}

	reopened, err := OpenDir(dir, handle.Descriptor{Type: "Person"}, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("P1-a")
	if !ok || got["age"] != 3.0 {
		t.Fatalf("expected persisted record, got %#v", got)
	}

	c.Remove("P1-a")
	if _, err := os.Stat(filepath.Join(dir, "P1-a.json")); !os.IsNotExist(err) {
		t.Fatalf("expected record file removed, got %v", err)
	}
}

func TestDirCollectionSeesExternalEdits(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDir(dir, handle.Descriptor{Type: "Person"}, Options{})
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	changes := make(chan handle.CollectionChange, 16)
	c.Watch(func(change handle.CollectionChange) { changes <- change })

	watcher, err := newWatcher(dir)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveEvents(ctx, watcher, c.handleEvent, c.logf)

	if err := os.WriteFile(filepath.Join(dir, "note.json"), []byte(`{"id":"P1-n","text":"hi"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "external record", func() bool { _, ok := c.Get("P1-n"); return ok })
	if change := <-changes; change.Kind != handle.ChangeAdded || change.Items[0].ID() != "P1-n" {
		t.Fatalf("unexpected change %+v", change)
	}

	if err := os.Remove(filepath.Join(dir, "note.json")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "external removal", func() bool { return c.Len() == 0 })

	// Files written by the collection itself compare equal on reload.
	if err := c.Add(handle.Record{"id": "P1-own", "n": 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	added := 0
	for len(changes) > 0 {
		if change := <-changes; change.Kind == handle.ChangeAdded && change.Items[0].ID() == "P1-own" {
			added++
		}
	}
	if added != 1 {
		t.Fatalf("expected exactly one added change for own write, got %d", added)
	}
}

func TestFileRegister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings", "current.json")
	r, err := OpenFile(path, handle.Descriptor{Type: "Settings"}, Options{})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, ok := r.Get(); ok {
		t.Fatalf("expected empty register")
	}
	if err := r.Put(handle.Record{"id": "P1-s", "theme": "dark"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file: %v", err)
	}

	watcher, err := newWatcher(filepath.Dir(path))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveEvents(ctx, watcher, r.handleEvent, r.logf)

	if err := os.WriteFile(path, []byte(`{"id":"P2-s","theme":"light"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "external edit", func() bool {
		got, ok := r.Get()
		return ok && got["theme"] == "light"
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "external delete", func() bool { _, ok := r.Get(); return !ok })

	r.Set(handle.Record{"id": "P1-s", "theme": "dark"})
	r.Clear()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected clear to delete the file, got %v", err)
	}
}

func TestDirCollectionTracksRecordsInNonCanonicalFiles(t *testing.T) {
	dir := t.TempDir()
	notePath := filepath.Join(dir, "note.json")
	if err := os.WriteFile(notePath, []byte(`{"id":"P2-n","text":"hi"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := OpenDir(dir, handle.Descriptor{Type: "Note"}, Options{})
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}

	if err := c.Add(handle.Record{"id": "P2-n", "text": "edited"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, recordFileName("P2-n"))); !os.IsNotExist(err) {
		t.Fatalf("expected the existing file to be rewritten, not a second file created")
	}
	rec, err := readJSONFile(notePath)
	if err != nil || rec["text"] != "edited" {
		t.Fatalf("expected note.json rewritten, got %#v (%v)", rec, err)
	}

	c.Remove("P2-n")
	if _, err := os.Stat(notePath); !os.IsNotExist(err) {
		t.Fatalf("expected note.json removed, got %v", err)
	}
	reopened, err := OpenDir(dir, handle.Descriptor{Type: "Note"}, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Get("P2-n"); ok {
		t.Fatalf("removed record came back after reopen")
	}
}

func TestRecordFileNameKeepsSanitizedIdsApart(t *testing.T) {
	if got := recordFileName("P1-a_b"); got != "P1-a_b.json" {
		t.Fatalf("expected clean ids unchanged, got %s", got)
	}
	dotted := recordFileName("P1-a.b")
	if dotted == recordFileName("P1-a_b") || !strings.HasPrefix(dotted, "P1-a_b-") {
		t.Fatalf("expected hash suffix for sanitized id, got %s", dotted)
	}

	dir := t.TempDir()
	c, err := OpenDir(dir, handle.Descriptor{Type: "Note"}, Options{})
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	for _, id := range []string{"P1-a.b", "P1-a_b"} {
		if err := c.Add(handle.Record{"id": id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	reopened, err := OpenDir(dir, handle.Descriptor{Type: "Note"}, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("expected both records persisted, got %d", reopened.Len())
	}
}
