package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/desertthunder/pmx/internal/shared"
)

const manifestName = "manifest.json"

// manifest is the on-disk description of an object directory.
type manifest struct {
	ID       string            `json:"id"`
	Format   string            `json:"format"`
	Origin   string            `json:"origin,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Files    []File            `json:"files"`
	StoredAt time.Time         `json:"stored_at"`
}

// DirStore keeps each object in <root>/<objectID>/ with a manifest.json beside its files.
//
// A directory without a manifest is an object still being written and reads as not ready.
type DirStore struct {
	root string
	now  func() time.Time
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object root: %w", err)
	}
	return &DirStore{root: root, now: time.Now}, nil
}

// Root returns the store's root directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) dir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: object id %q", shared.ErrInvalidInput, id)
	}
	return filepath.Join(s.root, id), nil
}

func (s *DirStore) manifest(id string) (manifest, string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return manifest{}, "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		if info, serr := os.Stat(dir); serr == nil && info.IsDir() {
			return manifest{}, "", fmt.Errorf("%w: %s", ErrObjectNotReady, id)
		}
		return manifest{}, "", fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if err != nil {
		return manifest{}, "", fmt.Errorf("failed to read manifest of %s: %w", id, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, "", fmt.Errorf("failed to decode manifest of %s: %w", id, err)
	}
	return m, dir, nil
}

func (s *DirStore) Format(ctx context.Context, id string) (string, error) {
	m, _, err := s.manifest(id)
	if err != nil {
		return "", err
	}
	return m.Format, nil
}

func (s *DirStore) Fetch(ctx context.Context, id string) (*DigitalObject, error) {
	m, dir, err := s.manifest(id)
	if err != nil {
		return nil, err
	}

	obj := &DigitalObject{ID: id, Format: m.Format, Origin: m.Origin, Metadata: m.Metadata}
	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.Base(f.Name)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s is missing %s", ErrObjectNotReady, id, f.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s of %s: %w", f.Name, id, err)
		}
		obj.Files = append(obj.Files, File{Name: f.Name, Format: f.Format, Data: data})
	}
	return obj, nil
}

// Store writes obj under a new id. When obj.ID is set and free it is used as is.
// The manifest is written last so readers never see a partial object as ready.
func (s *DirStore) Store(ctx context.Context, origin string, obj *DigitalObject) (string, error) {
	id := obj.ID
	if id == "" || id == origin {
		id = shared.GenerateID()
	}
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: object %s already exists", shared.ErrInvalidInput, id)
		}
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	m := manifest{ID: id, Format: obj.Format, Origin: origin, Metadata: obj.Metadata, StoredAt: s.now().UTC()}
	for _, f := range obj.Files {
		name := filepath.Base(f.Name)
		if name == manifestName || name == "." || name == string(filepath.Separator) {
			return "", fmt.Errorf("%w: file name %q", shared.ErrInvalidInput, f.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), f.Data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
		m.Files = append(m.Files, File{Name: name, Format: f.Format})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return "", fmt.Errorf("failed to commit manifest: %w", err)
	}

	obj.ID = id
	obj.Origin = origin
	return id, nil
}

// List returns the ids of every ready object.
func (s *DirStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), manifestName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
