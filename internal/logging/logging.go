// Package logging builds the zerolog logger shared by all kubescr modes.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ConsoleTarget selects human-readable output on stderr.
const ConsoleTarget = "-"

// Setup returns a logger writing to the requested target. "-" means the
// console. A relative file name is resolved inside imagesDir (created if
// needed), matching where CRIU keeps its own logs; an absolute name, or any
// name when imagesDir is empty, is used as given. Log files are truncated
// and created with mode 0600.
func Setup(imagesDir, target string) (zerolog.Logger, error) {
	if target == "" || target == ConsoleTarget {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(w).With().Timestamp().Logger(), nil
	}

	path := target
	if imagesDir != "" && !filepath.IsAbs(target) {
		if err := os.MkdirAll(imagesDir, 0o755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("create images dir: %w", err)
		}
		path = filepath.Join(imagesDir, target)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
	}
	return zerolog.New(f).With().Timestamp().Logger(), nil
}
