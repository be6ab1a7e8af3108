package host

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wnxd/modhost/host"
)

// Candidates lists the files under dir whose base name matches pattern,
// sorted by path. Unreadable subdirectories are logged and skipped; an
// unreadable dir is an error.
func Candidates(dir, pattern string, recursive bool, log *slog.Logger) ([]string, error) {
	var paths []string
	match := func(path string, d fs.DirEntry) {
		if d.IsDir() {
			return
		}
		if ok, _ := doublestar.Match(pattern, d.Name()); ok {
			paths = append(paths, path)
		}
	}
	if recursive {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir {
					return err
				}
				log.Warn("skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			match(path, d)
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, d := range entries {
			match(filepath.Join(dir, d.Name()), d)
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// MapFolder maps every candidate image in dir and returns how many were
// mapped. A failing candidate is logged and skipped.
func (rt *Rt) MapFolder(dir string, recursive, runtimeLoad bool) (int, error) {
	paths, err := Candidates(dir, rt.pattern, recursive, rt.log)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", dir, host.ErrFileNotFound, err)
	}
	count := 0
	for _, path := range paths {
		if _, err := rt.MapImage(path, runtimeLoad); err != nil {
			rt.log.Warn("module not mapped", "path", path, "error", err)
			continue
		}
		count++
	}
	rt.log.Info("folder mapped", "dir", dir, "candidates", len(paths), "mapped", count)
	return count, nil
}
