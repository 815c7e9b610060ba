package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/util"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const flagDocumentVersion = 1

// flagDocument is the on-disk layout of a FileFlagStore
type flagDocument struct {
	Version int             `yaml:"version"`
	Flags   map[string]bool `yaml:"flags"`
}

// FileFlagStore implements FlagStore on a single checksummed YAML file.
// Every write rewrites the whole document through a temp file and rename,
// so readers of the file never see a partial document.
type FileFlagStore struct {
	path   string
	flags  map[string]bool
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewFileFlagStore opens (or creates) the flag document at path
func NewFileFlagStore(path string, logger *zap.Logger) (*FileFlagStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create flag store directory: %w", err)
	}

	s := &FileFlagStore{
		path:   path,
		flags:  make(map[string]bool),
		logger: logger,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	logger.Info("File flag store opened",
		zap.String("path", path),
		zap.Int("flags", len(s.flags)))

	return s, nil
}

func (s *FileFlagStore) load() error {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read flag document: %w", err)
	}

	payload, ok := util.Unseal(sealed)
	if !ok {
		return apperrors.CorruptedData(fmt.Sprintf("flag document %s failed checksum validation", s.path), nil)
	}

	var doc flagDocument
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return apperrors.CorruptedData(fmt.Sprintf("flag document %s is not valid yaml", s.path), err)
	}
	if doc.Version != flagDocumentVersion {
		return apperrors.CorruptedData(fmt.Sprintf("unsupported flag document version %d", doc.Version), nil)
	}
	for k, v := range doc.Flags {
		s.flags[k] = v
	}
	return nil
}

// persist must be called with s.mu held for writing
func (s *FileFlagStore) persist() error {
	payload, err := yaml.Marshal(flagDocument{Version: flagDocumentVersion, Flags: s.flags})
	if err != nil {
		return fmt.Errorf("failed to encode flag document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".flags-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(util.Seal(payload)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write flag document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync flag document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close flag document: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace flag document: %w", err)
	}
	return nil
}

// GetBool returns the value of key
func (s *FileFlagStore) GetBool(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[key], nil
}

// SetBool stores value under key and rewrites the document.
// On a failed write the in-memory view is restored.
func (s *FileFlagStore) SetBool(ctx context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.flags[key]
	s.flags[key] = value

	if err := s.persist(); err != nil {
		if existed {
			s.flags[key] = prev
		} else {
			delete(s.flags, key)
		}
		s.logger.Error("Failed to persist flag",
			zap.String("key", key),
			zap.Bool("value", value),
			zap.Error(err))
		return err
	}

	return nil
}

// Ping checks that the document directory is still writable
func (s *FileFlagStore) Ping(ctx context.Context) error {
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("flag store directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("flag store directory %s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

// Close is a no-op; every write is already durable
func (s *FileFlagStore) Close() error {
	return nil
}
