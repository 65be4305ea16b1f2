package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// Storage is a content-addressed blob store on the local filesystem.
// Blobs live under basePath/<first two hex chars>/<hash>.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Storage) Put(ctx context.Context, data []byte) (string, error) {
	id := ContentID(data)
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return "", err
	}
	if exists {
		return id, nil
	}
	if err := s.write(s.blobPath(id), data); err != nil {
		return "", err
	}
	return id, nil
}

// PutNamed stores derived artifacts such as converted markdown under a caller-chosen key.
func (s *Storage) PutNamed(_ context.Context, key string, data []byte) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	return s.write(path, data)
}

func (s *Storage) Get(_ context.Context, id string) ([]byte, error) {
	path, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "read blob", err)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *Storage) Exists(_ context.Context, id string) (bool, error) {
	path, err := s.resolve(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

func (s *Storage) resolve(id string) (string, error) {
	if isContentID(id) {
		return s.blobPath(id), nil
	}
	return s.keyPath(id)
}

func (s *Storage) blobPath(id string) string {
	return filepath.Join(s.basePath, id[:2], id)
}

func (s *Storage) keyPath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if key == "" || strings.Contains(key, "..") {
		return "", domain.WrapError(domain.ErrInvalidInput, "storage key", fmt.Errorf("bad key %q", key))
	}
	return filepath.Join(s.basePath, "named", clean), nil
}

func (s *Storage) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func isContentID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
