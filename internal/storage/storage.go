// Package storage keeps relayer ciphertexts addressed by their handle.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/luxfi/fhevault/engine"
)

// Common errors.
var (
	ErrNotFound    = errors.New("ciphertext not found")
	ErrStorageFull = errors.New("storage capacity exceeded")
)

// Storage defines the interface for ciphertext storage.
type Storage interface {
	// Store saves a ciphertext and returns its handle.
	Store(ctx context.Context, data []byte) (engine.Handle, error)
	// Load retrieves a ciphertext by handle.
	Load(ctx context.Context, handle engine.Handle) ([]byte, error)
	// Exists checks if a ciphertext exists.
	Exists(ctx context.Context, handle engine.Handle) (bool, error)
	// Close closes the storage.
	Close() error
}

// Memory implements in-memory ciphertext storage.
type Memory struct {
	mu       sync.RWMutex
	data     map[engine.Handle][]byte
	capacity int64
	size     int64
}

// NewMemory creates a memory store holding up to capacityMB megabytes. Zero
// means unbounded.
func NewMemory(capacityMB int64) *Memory {
	return &Memory{
		data:     make(map[engine.Handle][]byte),
		capacity: capacityMB * 1024 * 1024,
	}
}

func (s *Memory) Store(_ context.Context, data []byte) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := engine.ComputeHandle(data)
	if _, exists := s.data[handle]; exists {
		return handle, nil
	}
	if s.capacity > 0 && s.size+int64(len(data)) > s.capacity {
		return engine.Handle{}, ErrStorageFull
	}

	s.data[handle] = append([]byte(nil), data...)
	s.size += int64(len(data))
	return handle, nil
}

func (s *Memory) Load(_ context.Context, handle engine.Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.data[handle]
	if !exists {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Memory) Exists(_ context.Context, handle engine.Handle) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.data[handle]
	return exists, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[engine.Handle][]byte)
	s.size = 0
	return nil
}

// File stores one file per ciphertext under baseDir.
type File struct {
	baseDir string
}

// NewFile creates a file store rooted at baseDir.
func NewFile(baseDir string) (*File, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{baseDir: baseDir}, nil
}

func (s *File) path(handle engine.Handle) string {
	h := handle.Hex()[2:]
	// Shard by first 2 chars to avoid too many files in one directory.
	return filepath.Join(s.baseDir, h[:2], h)
}

func (s *File) Store(_ context.Context, data []byte) (engine.Handle, error) {
	handle := engine.ComputeHandle(data)
	path := s.path(handle)

	if _, err := os.Stat(path); err == nil {
		return handle, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return engine.Handle{}, fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ct-*")
	if err != nil {
		return engine.Handle{}, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return engine.Handle{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return engine.Handle{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return engine.Handle{}, fmt.Errorf("rename temp file: %w", err)
	}
	return handle, nil
}

func (s *File) Load(_ context.Context, handle engine.Handle) ([]byte, error) {
	data, err := os.ReadFile(s.path(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (s *File) Exists(_ context.Context, handle engine.Handle) (bool, error) {
	_, err := os.Stat(s.path(handle))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat file: %w", err)
}

func (s *File) Close() error {
	return nil
}
