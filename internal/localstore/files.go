package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/handlesync/internal/handle"
)

const recordExt = ".json"

// DirCollection is a collection persisted as one JSON file per record.
// Files created, edited or deleted in the directory by other programs
// surface as collection changes while Run is active.
type DirCollection struct {
	*Collection
	dir string

	mu       sync.Mutex
	idByFile map[string]string
}

func OpenDir(dir string, desc handle.Descriptor, opts Options) (*DirCollection, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, fmt.Errorf("collection directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := &DirCollection{
		Collection: NewCollection(desc, opts),
		dir:        dir,
		idByFile:   map[string]string{},
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRecordFile(entry.Name()) {
			continue
		}
		d.reload(entry.Name())
	}
	return d, nil
}

func (d *DirCollection) Dir() string {
	return d.dir
}

// Store keeps rec in memory and writes its file when the content changed.
func (d *DirCollection) Store(rec handle.Record) {
	if err := d.Add(rec); err != nil {
		d.logf("collection %s rejected record %s: %v", d.desc.Name, rec.ID(), err)
	}
}

// Add stores rec and rewrites the file that already holds its id, or
// creates one named after the id.
func (d *DirCollection) Add(rec handle.Record) error {
	rec, err := normalizeRecord(rec)
	if err != nil {
		return err
	}
	changed, err := d.put(rec)
	if err != nil || !changed {
		return err
	}
	id := rec.ID()
	d.mu.Lock()
	names := d.filesForLocked(id)
	name := recordFileName(id)
	if len(names) > 0 {
		name = names[0]
	}
	d.idByFile[name] = id
	d.mu.Unlock()
	return writeJSONFile(filepath.Join(d.dir, name), rec)
}

// Remove drops id and deletes every file holding it.
func (d *DirCollection) Remove(id string) {
	if !d.remove(id) {
		return
	}
	d.mu.Lock()
	names := d.filesForLocked(id)
	for _, name := range names {
		delete(d.idByFile, name)
	}
	d.mu.Unlock()
	for _, name := range names {
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logf("remove %s: %v", name, err)
		}
	}
}

func (d *DirCollection) filesForLocked(id string) []string {
	var names []string
	for name, fileID := range d.idByFile {
		if fileID == id {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Run watches the directory until ctx is done.
func (d *DirCollection) Run(ctx context.Context) error {
	watcher, err := newWatcher(d.dir)
	if err != nil {
		return err
	}
	return serveEvents(ctx, watcher, d.handleEvent, d.logf)
}

func (d *DirCollection) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !isRecordFile(name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d.forget(name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		d.reload(name)
	}
}

func (d *DirCollection) reload(name string) {
	rec, err := readJSONFile(filepath.Join(d.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.forget(name)
			return
		}
		d.logf("skipping %s: %v", name, err)
		return
	}
	id := rec.ID()
	if id == "" {
		d.logf("skipping %s: record has no id", name)
		return
	}
	d.mu.Lock()
	previous, known := d.idByFile[name]
	d.idByFile[name] = id
	d.mu.Unlock()
	if known && previous != id {
		d.remove(previous)
	}
	if _, err := d.put(rec); err != nil {
		d.logf("skipping %s: %v", name, err)
	}
}

func (d *DirCollection) forget(name string) {
	d.mu.Lock()
	id, ok := d.idByFile[name]
	delete(d.idByFile, name)
	d.mu.Unlock()
	if ok {
		d.remove(id)
	}
}

// FileRegister is a register persisted as a single JSON file. Deleting the
// file clears the register.
type FileRegister struct {
	*Register
	path string
}

func OpenFile(path string, desc handle.Descriptor, opts Options) (*FileRegister, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("register file is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f := &FileRegister{Register: NewRegister(desc, opts), path: path}
	f.reload()
	return f, nil
}

func (f *FileRegister) Path() string {
	return f.path
}

func (f *FileRegister) Set(rec handle.Record) {
	if err := f.Put(rec); err != nil {
		f.logf("register %s rejected record %s: %v", f.desc.Name, rec.ID(), err)
	}
}

func (f *FileRegister) Put(rec handle.Record) error {
	if rec == nil {
		f.Clear()
		return nil
	}
	rec, err := normalizeRecord(rec)
	if err != nil {
		return err
	}
	changed, err := f.put(rec)
	if err != nil || !changed {
		return err
	}
	return writeJSONFile(f.path, rec)
}

func (f *FileRegister) Clear() {
	if !f.clear() {
		return
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logf("remove %s: %v", f.path, err)
	}
}

// Run watches the register file until ctx is done. The parent directory is
// watched so that editors replacing the file are noticed.
func (f *FileRegister) Run(ctx context.Context) error {
	watcher, err := newWatcher(filepath.Dir(f.path))
	if err != nil {
		return err
	}
	return serveEvents(ctx, watcher, f.handleEvent, f.logf)
}

func (f *FileRegister) handleEvent(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != filepath.Base(f.path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		f.clear()
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		f.reload()
	}
}

func (f *FileRegister) reload() {
	rec, err := readJSONFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.clear()
			return
		}
		f.logf("skipping %s: %v", f.path, err)
		return
	}
	if _, err := f.put(rec); err != nil {
		f.logf("skipping %s: %v", f.path, err)
	}
}

func newWatcher(dir string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}

// serveEvents feeds watcher events to onEvent until ctx is done, then
// closes the watcher.
func serveEvents(ctx context.Context, watcher *fsnotify.Watcher, onEvent func(fsnotify.Event), logf func(string, ...any)) error {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			onEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("watch: %v", err)
		}
	}
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, ".")
}

// recordFileName maps id to a file name. Ids that need sanitizing get a
// hash suffix so distinct ids never share a file.
func recordFileName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name != id {
		sum := sha256.Sum256([]byte(id))
		name += "-" + hex.EncodeToString(sum[:])[:8]
	}
	return name + recordExt
}

// normalizeRecord gives rec the shape it has after a trip through its file,
// so reloading a file this process wrote compares equal.
func normalizeRecord(rec handle.Record) (handle.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out handle.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func readJSONFile(path string) (handle.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec handle.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s does not hold a JSON object", path)
	}
	return rec, nil
}

// writeJSONFile replaces path atomically through a hidden temp file.
func writeJSONFile(path string, rec handle.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
