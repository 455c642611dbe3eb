package objectclient

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidName    = errors.New("invalid object name")
)

// ObjectClient stores flat blobs addressed by file name. The disk and S3
// backends are interchangeable.
type ObjectClient interface {
	// Put stores r under name and returns the location recorded by callers.
	Put(ctx context.Context, name string, r io.Reader, contentType string) (location string, err error)
	// Open returns ErrObjectNotFound when nothing is stored under name.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	// FindByPrefix returns the first stored name (lexical order) that starts with prefix.
	FindByPrefix(ctx context.Context, prefix string) (string, error)
	Location(name string) string
}

// validName rejects anything that could escape the flat namespace.
func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ErrInvalidName
	}
	return nil
}
