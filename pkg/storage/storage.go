// Package storage stages floor-plan and legend images under generated keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/menta2k/floorplan-analyzer/internal/utils"
	"github.com/menta2k/floorplan-analyzer/pkg/client"
)

// NewKey returns a collision-free key such as floorplan-<uuid>.png
func NewKey(prefix, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if prefix == "" {
		prefix = "floorplan"
	}
	return fmt.Sprintf("%s-%s%s", prefix, uuid.NewString(), ext)
}

func validKey(key string) error {
	if key == "" {
		return errors.New("empty blob key")
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") || strings.ContainsAny(key, "\\") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// FSStore keeps blobs as files under a root directory
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed
func NewFSStore(root string) (*FSStore, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Upload writes data and returns a file:// URL
func (s *FSStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validKey(key); err != nil {
		return "", err
	}
	p := s.path(key)
	if err := utils.EnsureDir(filepath.Dir(p)); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String(), nil
}

// Download reads a blob; a missing key yields client.ErrNotFound
func (s *FSStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, client.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}
