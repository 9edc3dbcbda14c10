package bulk

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
)

// ChangeFunc is called once the files of a watched directory settled
type ChangeFunc func(ctx context.Context) error

// Watcher calls a ChangeFunc after the files under a directory stop
// changing for the debounce delay. Folders created later are watched too.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange ChangeFunc
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

// NewWatcher watches dir and every folder below it
func NewWatcher(dir string, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	if debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
		logger:   log.WithComponent("bulk.watch").With().Str("dir", dir).Logger(),
	}
	if err := w.addRecursive(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports hidden files and editor leftovers
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}

// Run processes events until ctx is cancelled and closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn().Err(err).Msg("Failed to watch new folder")
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")

		case <-fire:
			timer, fire = nil, nil
			w.trigger(ctx)
		}
	}
}

func (w *Watcher) trigger(ctx context.Context) {
	if err := w.onChange(ctx); err != nil {
		metrics.WatchImports.WithLabelValues("failure").Inc()
		w.logger.Error().Err(err).Msg("Re-import failed")
		return
	}
	metrics.WatchImports.WithLabelValues("success").Inc()
	w.logger.Debug().Msg("Re-imported directory")
}
