package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hpungsan/counsel/internal/logging"
)

// Watcher resyncs a knowledge directory when its files change and then
// calls OnChange, typically an index refresh. Removed files retire their
// documents.
type Watcher struct {
	Dir      string
	Writer   DocumentSyncer
	OnChange func(ctx context.Context) error
	// Debounce collapses bursts of events (default 500ms).
	Debounce time.Duration
	Logger   *slog.Logger
}

// Run watches until ctx is done. Subdirectories present at start are
// watched too; new subdirectories are added as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logging.OrDefault(w.Logger)
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	err = filepath.WalkDir(w.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	logger.Info("watching knowledge directory", "dir", w.Dir)

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if isDir(ev.Name) {
					if err := fw.Add(ev.Name); err != nil {
						logger.Warn("watch new directory", "dir", ev.Name, "error", err)
					}
					continue
				}
			}
			if !supported(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)

		case <-timer.C:
			w.reload(ctx, logger)
		}
	}
}

func (w *Watcher) reload(ctx context.Context, logger *slog.Logger) {
	n, retired, err := SyncDir(ctx, w.Dir, w.Writer)
	if err != nil {
		logger.Error("knowledge reload failed", "dir", w.Dir, "error", err)
		return
	}
	logger.Info("knowledge reloaded", "documents", n, "retired", retired)
	if w.OnChange == nil {
		return
	}
	if err := w.OnChange(ctx); err != nil {
		logger.Error("knowledge change hook failed", "error", err)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
