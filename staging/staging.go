// Package staging buffers files locally before a single upload step moves
// them to object storage. One Area belongs to exactly one run invocation
// and is passed explicitly through the call chain; it is either flushed or
// discarded exactly once.
package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
	"github.com/izavyalov-dev/cloudblast/internal/observability"
)

// Area maps destination URIs to locally buffered files awaiting upload.
type Area struct {
	store   cloudstorage.Client
	logger  *slog.Logger
	dir     string
	pending map[string]string
	done    bool
}

// NewArea creates an empty staging area backed by a private temp directory.
func NewArea(store cloudstorage.Client, logger *slog.Logger) (*Area, error) {
	if logger == nil {
		logger = observability.NewLogger("staging")
	}
	dir, err := os.MkdirTemp("", "cloudblast-staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Area{
		store:   store,
		logger:  logger,
		dir:     dir,
		pending: make(map[string]string),
	}, nil
}

// Create opens a local file that Flush will upload to dest. Creating the
// same destination twice replaces the earlier content.
func (a *Area) Create(dest string) (io.WriteCloser, error) {
	if a.done {
		return nil, fmt.Errorf("staging area already flushed or discarded")
	}
	local := filepath.Join(a.dir, fmt.Sprintf("stage-%04d", len(a.pending)))
	f, err := os.Create(local)
	if err != nil {
		return nil, fmt.Errorf("stage file for %s: %w", dest, err)
	}
	a.pending[dest] = local
	return f, nil
}

// Stage copies an existing local file into the area for upload to dest.
func (a *Area) Stage(localPath, dest string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	w, err := a.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("stage %s: %w", localPath, err)
	}
	return w.Close()
}

// Pending lists destination URIs awaiting upload, sorted.
func (a *Area) Pending() []string {
	dests := make([]string, 0, len(a.pending))
	for dest := range a.pending {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	return dests
}

// Flush uploads every staged file to its destination, then releases the
// local buffers. The area cannot be reused afterwards.
func (a *Area) Flush(ctx context.Context) error {
	if a.done {
		return nil
	}
	for _, dest := range a.Pending() {
		local := a.pending[dest]
		f, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("open staged file for %s: %w", dest, err)
		}
		err = a.store.Put(ctx, dest, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("upload staged file to %s: %w", dest, err)
		}
		a.logger.Info("uploaded staged file", "dest", dest)
		delete(a.pending, dest)
	}
	return a.release()
}

// Discard drops all staged files without uploading.
func (a *Area) Discard() error {
	if a.done {
		return nil
	}
	a.pending = nil
	return a.release()
}

func (a *Area) release() error {
	a.done = true
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("remove staging dir %s: %w", a.dir, err)
	}
	return nil
}
