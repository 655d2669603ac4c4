package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/desertthunder/pmx/internal/shared"
)

// PayloadStore keeps result payloads outside the metadata store.
type PayloadStore interface {
	// Put writes data for resultID and returns a reference to it.
	Put(ctx context.Context, resultID string, data []byte) (string, error)
	// Open returns a reader over the payload behind ref.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the payload behind ref. A missing payload is not an error.
	Delete(ctx context.Context, ref string) error
}

// DirPayloads stores each payload as a file named after its result id under a root directory.
type DirPayloads struct {
	root string
}

// NewDirPayloads creates the root directory if needed.
func NewDirPayloads(root string) (*DirPayloads, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create payload directory: %w", err)
	}
	return &DirPayloads{root: root}, nil
}

func (d *DirPayloads) path(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return "", fmt.Errorf("%w: payload ref %q", shared.ErrInvalidInput, ref)
	}
	return filepath.Join(d.root, ref), nil
}

func (d *DirPayloads) Put(ctx context.Context, resultID string, data []byte) (string, error) {
	p, err := d.path(resultID)
	if err != nil {
		return "", err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit payload: %w", err)
	}
	return resultID, nil
}

func (d *DirPayloads) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	p, err := d.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: payload %s", shared.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, nil
}

func (d *DirPayloads) Delete(ctx context.Context, ref string) error {
	p, err := d.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}
