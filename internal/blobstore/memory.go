package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/homewalk/tourforge/internal/errs"
)

// Memory keeps objects as byte slices. Used by tests and single-process
// runs with no store configured.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (s *Memory) Get(ctx context.Context, key, destPath string) error {
	if err := ctx.Err(); err != nil {
		return errs.IO("get canceled", err)
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return errs.IO("object not found: "+key, os.ErrNotExist)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errs.IO("create dest dir", err)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return errs.IO("write dest file", err)
	}
	return nil
}

func (s *Memory) Put(ctx context.Context, srcPath, key string) error {
	if err := ctx.Err(); err != nil {
		return errs.IO("put canceled", err)
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errs.IO("read source", err)
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.IO("exists canceled", err)
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// PutBytes seeds an object directly. Test helper.
func (s *Memory) PutBytes(key string, data []byte) {
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// Bytes returns a copy of the stored object, or nil when absent.
func (s *Memory) Bytes(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}
