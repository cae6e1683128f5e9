package ingest

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// DefaultPattern matches the news text files inside the data directory.
const DefaultPattern = "*.txt"

// Loader streams items from the text files of a directory.
type Loader struct {
	dir     string
	pattern string
	logger  *slog.Logger
}

// NewLoader creates a loader over dir. An empty pattern means DefaultPattern.
func NewLoader(dir, pattern string, logger *slog.Logger) *Loader {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Loader{
		dir:     ExpandHome(dir),
		pattern: pattern,
		logger:  logger,
	}
}

// Dir returns the resolved data directory.
func (l *Loader) Dir() string { return l.dir }

// Files returns the matching files in name order.
func (l *Loader) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, l.pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", l.pattern, err)
	}
	sort.Strings(files)
	return files, nil
}

// Items yields every item of every matching file, one file at a time.
// Iteration stops early when the consumer stops or ctx is cancelled.
func (l *Loader) Items(ctx context.Context) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		files, err := l.Files()
		if err != nil {
			l.logger.Warn("failed to list news files", "dir", l.dir, "error", err)
			return
		}
		if len(files) == 0 {
			l.logger.Warn("no news files found", "dir", l.dir, "pattern", l.pattern)
			return
		}

		for _, path := range files {
			if ctx.Err() != nil {
				return
			}
			items, issues, err := ParseFile(path)
			if err != nil {
				l.logger.Warn("failed to parse news file", "path", path, "error", err)
			}
			for _, is := range issues {
				l.logger.Debug("skipped record", "file", is.File, "line", is.Line, "reason", is.Err)
			}
			l.logger.Info("news file loaded", "path", path, "items", len(items), "skipped", len(issues))

			for _, it := range items {
				if !yield(it) {
					return
				}
			}
		}
	}
}

// Version identifies the current corpus state by the newest modification time
// among the matching files. It returns "default" when nothing can be read.
func (l *Loader) Version() string {
	files, err := l.Files()
	if err != nil || len(files) == 0 {
		return "default"
	}
	var latest int64
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if mt := info.ModTime().Unix(); mt > latest {
			latest = mt
		}
	}
	if latest == 0 {
		return "default"
	}
	return strconv.FormatInt(latest, 10)
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
