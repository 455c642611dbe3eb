package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskClient keeps objects as plain files directly under one directory.
type DiskClient struct {
	dir string
}

var _ ObjectClient = (*DiskClient)(nil)

// NewDiskClient creates dir if needed.
func NewDiskClient(dir string) (*DiskClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskClient{dir: dir}, nil
}

func (c *DiskClient) Location(name string) string {
	return filepath.Join(c.dir, name)
}

// Put writes through a temp file so readers never observe a partial object.
func (c *DiskClient) Put(ctx context.Context, name string, r io.Reader, _ string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(c.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	dst := c.Location(name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return dst, nil
}

func (c *DiskClient) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(c.Location(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (c *DiskClient) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(c.Location(name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}

func (c *DiskClient) FindByPrefix(_ context.Context, prefix string) (string, error) {
	if err := validName(prefix); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return "", fmt.Errorf("list upload dir: %w", err)
	}
	// ReadDir already sorts, keep the guarantee explicit
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), prefix) {
			return e.Name(), nil
		}
	}
	return "", ErrObjectNotFound
}
