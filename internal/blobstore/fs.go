package blobstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/homewalk/tourforge/internal/errs"
)

// FS stores objects as files under a root directory. Puts are atomic:
// content lands in a temp file first and is renamed into place, so readers
// never observe a half-written object.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.IO("create store root", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FS) Get(ctx context.Context, key, destPath string) error {
	if err := ctx.Err(); err != nil {
		return errs.IO("get canceled", err)
	}
	src, err := s.path(key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.IO("object not found: "+key, err)
		}
		return errs.IO("open object", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errs.IO("create dest dir", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return errs.IO("create dest file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errs.IO("copy object", err)
	}
	if err := out.Close(); err != nil {
		return errs.IO("flush dest file", err)
	}
	return nil
}

func (s *FS) Put(ctx context.Context, srcPath, key string) error {
	if err := ctx.Err(); err != nil {
		return errs.IO("put canceled", err)
	}
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	in, err := os.Open(srcPath)
	if err != nil {
		return errs.IO("open source", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.IO("create object dir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return errs.IO("create temp object", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.IO("write temp object", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.IO("flush temp object", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errs.IO("publish object", err)
	}
	return nil
}

func (s *FS) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.IO("exists canceled", err)
	}
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errs.IO("stat object", err)
	}
	return true, nil
}
