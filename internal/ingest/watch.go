package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// DefaultDebounce is how long a path must be quiet before it is ingested.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-ingests files under a root as they change.
type Watcher struct {
	svc       *Service
	scope     *dirScope
	projectID uuid.UUID
	watcher   *fsnotify.Watcher
	debounce  time.Duration

	// Synced, when set, receives each batch of paths after it is applied.
	Synced func(paths []string)
}

// NewWatcher watches root and every non-ignored directory below it.
func (s *Service) NewWatcher(projectID uuid.UUID, root string, debounce time.Duration) (*Watcher, error) {
	scope, err := s.openDir(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{svc: s, scope: scope, projectID: projectID, watcher: fw, debounce: debounce}
	if err := w.addTree(scope.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := w.rel(p)
		if rel != "." && w.scope.ignore.Match(rel, true) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) rel(p string) (string, error) {
	rel, err := filepath.Rel(w.scope.root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event, pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.svc.logger.Warn(ctx, "watcher error", zap.Error(err))

		case now := <-ticker.C:
			var ready []string
			for p, at := range pending {
				if now.Sub(at) >= w.debounce {
					ready = append(ready, p)
					delete(pending, p)
				}
			}
			if len(ready) > 0 {
				w.sync(ctx, ready)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event, pending map[string]time.Time) {
	rel, err := w.rel(event.Name)
	if err != nil || rel == "." {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.scope.ignore.Match(rel, true) {
				if err := w.addTree(event.Name); err != nil {
					w.svc.logger.Warn(ctx, "watching new directory", zap.String("path", rel), zap.Error(err))
				}
			}
			return
		}
	}
	if !w.svc.Supported(rel) || w.scope.ignore.Match(rel, false) {
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		pending[rel] = time.Now()
	}
}

// sync ingests paths that exist and removes those that do not.
func (w *Watcher) sync(ctx context.Context, paths []string) {
	for _, rel := range paths {
		full := filepath.Join(w.scope.root, filepath.FromSlash(rel))
		content, err := os.ReadFile(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := w.svc.RemoveFile(ctx, w.projectID, rel); err != nil && !errors.Is(err, store.ErrNotFound) {
				w.svc.logger.Error(ctx, "removing deleted file", zap.String("path", rel), zap.Error(err))
			}
		case err != nil:
			w.svc.logger.Error(ctx, "reading changed file", zap.String("path", rel), zap.Error(err))
		default:
			if _, err := w.svc.ingest(ctx, w.scope.scrubber, w.projectID, rel, content, false); err != nil {
				w.svc.logger.Error(ctx, "ingesting changed file", zap.String("path", rel), zap.Error(err))
			}
		}
	}
	if w.Synced != nil {
		w.Synced(paths)
	}
}
