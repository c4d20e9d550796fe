package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/handlesync/internal/handle"
	"github.com/agentworkforce/handlesync/internal/localstore"
	"github.com/agentworkforce/handlesync/internal/schema"
)

// Manifest lists the handles a participant keeps on disk and the schemas
// their records must satisfy.
//
//	root: arcs/demo
//	schemas:
//	  Note: schemas/note.json
//	handles:
//	  - name: notes
//	    kind: collection
//	    type: Note
//	    tags: [shared]
//	    dir: data/notes
type Manifest struct {
	Root    string            `yaml:"root"`
	Schemas map[string]string `yaml:"schemas"`
	Handles []HandleSpec      `yaml:"handles"`

	baseDir string
}

type HandleSpec struct {
	Name string   `yaml:"name"`
	Kind string   `yaml:"kind"`
	Type string   `yaml:"type"`
	Tags []string `yaml:"tags"`
	Dir  string   `yaml:"dir"`
	File string   `yaml:"file"`
}

func (h HandleSpec) Descriptor() handle.Descriptor {
	return handle.Descriptor{
		Kind: handle.Kind(strings.ToLower(strings.TrimSpace(h.Kind))),
		Type: strings.TrimSpace(h.Type),
		Name: strings.TrimSpace(h.Name),
		Tags: h.Tags,
	}
}

// Load reads and validates a manifest. Relative paths inside it resolve
// against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.baseDir = filepath.Dir(path)
	return m, nil
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	names := map[string]struct{}{}
	for i, h := range m.Handles {
		label := h.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if h.Name != "" {
			if _, dup := names[h.Name]; dup {
				return fmt.Errorf("handle %s: duplicate name", label)
			}
			names[h.Name] = struct{}{}
		}
		switch h.Descriptor().Kind {
		case handle.KindCollection:
			if strings.TrimSpace(h.Dir) == "" {
				return fmt.Errorf("handle %s: collection requires dir", label)
			}
		case handle.KindRegister:
			if strings.TrimSpace(h.File) == "" {
				return fmt.Errorf("handle %s: register requires file", label)
			}
		default:
			return fmt.Errorf("handle %s: unknown kind %q", label, h.Kind)
		}
		if strings.TrimSpace(h.Type) == "" {
			return fmt.Errorf("handle %s: type is required", label)
		}
	}
	return nil
}

func (m *Manifest) resolve(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || m.baseDir == "" {
		return path
	}
	return filepath.Join(m.baseDir, path)
}

// Registry compiles the schemas listed in the manifest.
func (m *Manifest) Registry() (*schema.Registry, error) {
	registry := schema.NewRegistry()
	for typ, file := range m.Schemas {
		if err := registry.AddFile(typ, m.resolve(file)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", typ, err)
		}
	}
	return registry, nil
}

// Runner is a file-backed handle that watches its files until ctx is done.
type Runner interface {
	handle.Handle
	Run(ctx context.Context) error
}

// Open opens every handle of the manifest on disk.
func (m *Manifest) Open(opts localstore.Options) ([]Runner, error) {
	out := make([]Runner, 0, len(m.Handles))
	for _, spec := range m.Handles {
		desc := spec.Descriptor()
		switch desc.Kind {
		case handle.KindCollection:
			c, err := localstore.OpenDir(m.resolve(spec.Dir), desc, opts)
			if err != nil {
				return nil, fmt.Errorf("handle %s: %w", spec.Name, err)
			}
			out = append(out, c)
		case handle.KindRegister:
			r, err := localstore.OpenFile(m.resolve(spec.File), desc, opts)
			if err != nil {
				return nil, fmt.Errorf("handle %s: %w", spec.Name, err)
			}
			out = append(out, r)
		}
	}
	return out, nil
}
