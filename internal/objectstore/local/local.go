// Package local implements objectstore.Store over the filesystem, for
// development without a real S3-compatible backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/objectstore"
)

type Store struct {
	basePath string
}

func New(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// Put writes to a temp file beside the destination and renames into place,
// so a reader that errors partway through never leaves a partial object
// visible to Get.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	if contentType != "" {
		if err := os.WriteFile(dest+".contenttype", []byte(contentType), 0o644); err != nil {
			return n, fmt.Errorf("write content-type sidecar: %w", err)
		}
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, objectstore.ObjectInfo{}, domain.ErrNotFound
		}
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("open object: %w", err)
	}
	return f, info, nil
}

func (s *Store) Head(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	fi, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return objectstore.ObjectInfo{}, domain.ErrNotFound
		}
		return objectstore.ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	contentType := ""
	if b, err := os.ReadFile(s.path(key) + ".contenttype"); err == nil {
		contentType = string(b)
	}
	return objectstore.ObjectInfo{Key: key, SizeBytes: fi.Size(), ContentType: contentType}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	os.Remove(s.path(key) + ".contenttype")
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	root := s.path(prefix)
	var out []string
	err := filepath.WalkDir(filepath.Dir(root), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".contenttype") {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}
