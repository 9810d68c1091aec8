package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileStore keeps each checkpoint in a side file next to its output.
// Writes go to a temporary file that is renamed into place.
type FileStore struct {
	fs afero.Fs
}

// NewFileStore creates a file store on fs.
func NewFileStore(fs afero.Fs) *FileStore {
	return &FileStore{fs: fs}
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, outputTarget string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, Path(outputTarget))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, outputTarget string, data []byte) error {
	path := Path(outputTarget)
	dir := filepath.Dir(path)

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, outputTarget string) error {
	err := s.fs.Remove(Path(outputTarget))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
