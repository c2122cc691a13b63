package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const recordExt = ".json"

// FileStorage keeps one JSON file per profile key inside a directory. It
// plays the role of the browser's durable storage: records survive restarts
// and are visible to every process sharing the directory.
type FileStorage struct {
	dir    string
	logger *zap.Logger
}

func NewFileStorage(dir string, logger *zap.Logger) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir, logger: logger}, nil
}

func (s *FileStorage) Dir() string {
	return s.dir
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, key+recordExt)
}

func (s *FileStorage) Load(ctx context.Context, key string) (*Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Discarding unreadable record",
			zap.Error(err),
			zap.String("key", key))
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *FileStorage) Save(ctx context.Context, key string, rec *Record) error {
	if err := validateKey(key); err != nil {
		return err
	}

	stored := *rec
	if stored.SavedAt.IsZero() {
		stored.SavedAt = time.Now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := atomicWriteFile(s.path(key), data, 0o600); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (s *FileStorage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *FileStorage) Close() error {
	return nil
}

// atomicWriteFile writes to a temp file in the same directory, syncs it and
// renames it over path, so readers never observe a partial record.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), tempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

const tempPrefix = ".tmp-"

// keyFromPath returns the profile key for a record file, or false for
// anything else in the directory (temp files, foreign files).
func keyFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, recordExt) {
		return "", false
	}
	key := strings.TrimSuffix(name, recordExt)
	if validateKey(key) != nil {
		return "", false
	}
	return key, true
}
