// Package watch hot-loads module images: files matching the candidate
// pattern are mapped when they appear, reloaded when rewritten and unmapped
// when removed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/wnxd/modhost/host"
)

const defaultDebounce = 500 * time.Millisecond

var ErrAlreadyRunning = errors.New("watch: Run called more than once")

type (
	// Modules is the part of the module manager the watcher drives.
	Modules interface {
		MapImage(path string, runtimeLoad bool) (host.Module, error)
		UnmapImage(id host.ModuleID) error
		FindModule(path string) (host.Module, error)
	}

	Config struct {
		Dir string
		// Pattern selects images by base name. Empty means the platform
		// default.
		Pattern   string
		Recursive bool
		// Debounce is the quiet period after the last event before images
		// are reloaded. Zero or negative values fall back to 500ms.
		Debounce time.Duration
		Modules  Modules
		Logger   *slog.Logger
		// OnSync, when set, observes every completed reload batch.
		OnSync func(changed []string)
	}

	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		log      *slog.Logger
		dir      string
		pattern  string
		debounce time.Duration
		started  atomic.Bool
	}
)

func New(cfg Config) (*Watcher, error) {
	if cfg.Modules == nil {
		return nil, fmt.Errorf("watch: %w: no module manager", host.ErrInvalidParameter)
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = host.DefaultPattern()
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("watch: %w: pattern %q", host.ErrInvalidParameter, pattern)
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve directory: %w", err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		log:      logger,
		dir:      dir,
		pattern:  pattern,
		debounce: debounce,
	}
	if err := w.addDirectories(); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes filesystem events until ctx is canceled. It returns nil on
// cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		syncMu  sync.Mutex
	)
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		syncMu.Lock()
		defer syncMu.Unlock()
		mu.Lock()
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()
		if len(changed) == 0 {
			return
		}
		for _, path := range changed {
			w.sync(path)
		}
		if w.cfg.OnSync != nil {
			w.cfg.OnSync(changed)
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.log.Warn("close fsnotify", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Create) && w.cfg.Recursive {
				w.maybeAddDir(evt.Name)
			}
			if !w.matches(evt.Name) || (evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write)) {
				continue
			}
			mu.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatal(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.log.Warn("fsnotify error", "error", err)
		}
	}
}

// sync brings the module registry in line with the file at path: a present
// file is (re)mapped, a missing one unmapped.
func (w *Watcher) sync(path string) {
	mods := w.cfg.Modules
	if m, err := mods.FindModule(path); err == nil {
		if err := mods.UnmapImage(m.ID()); err != nil {
			w.log.Warn("module unmap failed", "path", path, "error", err)
		}
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if _, err := mods.MapImage(path, true); err != nil {
		w.log.Warn("module not mapped", "path", path, "error", err)
		return
	}
	w.log.Info("module hot-loaded", "path", path)
}

func (w *Watcher) matches(path string) bool {
	if !w.cfg.Recursive && filepath.Dir(path) != w.dir {
		return false
	}
	ok, _ := doublestar.Match(w.pattern, filepath.Base(path))
	return ok
}

func (w *Watcher) addDirectories() error {
	if !w.cfg.Recursive {
		if err := w.fsw.Add(w.dir); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", w.dir, err)
		}
		return nil
	}
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.dir {
				return err
			}
			w.log.Warn("skipping inaccessible path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk directory tree: %w", err)
	}
	return nil
}

func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.log.Warn("add new directory", "path", path, "error", err)
	}
}
