// Package output writes finished run documents to local disk and object
// storage.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/checkpoint"
)

// Sink stores a named document and returns where it was written.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

// FileSink writes documents under Dir. Writes are atomic, so a reader never
// sees a partially written file.
type FileSink struct {
	Dir string
}

// NewFileSink returns a sink rooted at dir. An empty dir means names are
// used as given.
func NewFileSink(dir string) *FileSink {
	return &FileSink{Dir: dir}
}

// Path resolves name against the sink directory.
func (s *FileSink) Path(name string) string {
	if filepath.IsAbs(name) || s.Dir == "" {
		return name
	}
	return filepath.Join(s.Dir, name)
}

// Write stores data at Path(name).
func (s *FileSink) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := checkpoint.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// List returns the names of the output documents in the sink directory,
// excluding run summaries.
func (s *FileSink) List() ([]string, error) {
	entries, err := os.ReadDir(s.Path("."))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && filepath.Ext(name) == ".json" && !strings.HasSuffix(name, ".summary.json") {
			names = append(names, name)
		}
	}
	return names, nil
}

// TeeSink writes to a primary sink and copies each document to mirrors. Only
// a primary failure is returned; mirror failures are logged.
type TeeSink struct {
	primary Sink
	mirrors []Sink
}

// Tee returns a TeeSink.
func Tee(primary Sink, mirrors ...Sink) *TeeSink {
	return &TeeSink{primary: primary, mirrors: mirrors}
}

// Write writes to the primary, then to each mirror.
func (t *TeeSink) Write(ctx context.Context, name string, data []byte) (string, error) {
	loc, err := t.primary.Write(ctx, name, data)
	if err != nil {
		return "", err
	}
	for _, m := range t.mirrors {
		mloc, err := m.Write(ctx, name, data)
		if err != nil {
			log.Warn().Err(err).Str("name", name).Msg("Mirror write failed")
			continue
		}
		log.Debug().Str("location", mloc).Msg("Mirrored output")
	}
	return loc, nil
}
