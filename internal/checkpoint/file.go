package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leeaandrob/marketforge/internal/models"
)

const fileSuffix = ".checkpoint.json"

// FileStore writes one JSON file per category under Dir.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(category string) string {
	return filepath.Join(f.dir, models.Slugify(category)+fileSuffix)
}

// Load reads the checkpoint for category.
func (f *FileStore) Load(ctx context.Context, category string) (*models.RunState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(category))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", category, err)
	}

	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", category, err)
	}
	if state.ConsumedArticleIDs == nil {
		state.ConsumedArticleIDs = map[string]bool{}
	}
	return &state, nil
}

// Save writes the checkpoint to a temporary file in the same directory, syncs
// it and renames it over the previous one.
func (f *FileStore) Save(ctx context.Context, category string, state *models.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", category, err)
	}
	if err := WriteFileAtomic(f.path(category), data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", category, err)
	}
	return nil
}

// Clear removes the checkpoint for category. Clearing a missing checkpoint
// is not an error.
func (f *FileStore) Clear(ctx context.Context, category string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path(category)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint %s: %w", category, err)
	}
	return nil
}

// List returns the slugs of all stored checkpoints.
func (f *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(out)
	return out, nil
}

// WriteFileAtomic writes data to path so that readers observe either the old
// content or the new content in full.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
