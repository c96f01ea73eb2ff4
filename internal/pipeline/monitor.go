// Package pipeline captures finished CRIU checkpoint images and uploads
// them to the coordination server over an established connection.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	// imageSuffix is what CRIU names its image files.
	imageSuffix = ".img"

	defaultSettle = 500 * time.Millisecond
)

// Image is one checkpoint image ready for upload.
type Image struct {
	Name string
	Path string
	Size int64
}

// Monitor watches an images directory and reports the image files once
// CRIU has stopped writing to it.
type Monitor struct {
	dir    string
	settle time.Duration
	logger zerolog.Logger
}

// NewMonitor creates a Monitor for dir. settle is how long the directory
// must stay quiet before the images are considered complete; zero takes a
// default.
func NewMonitor(dir string, settle time.Duration, logger zerolog.Logger) *Monitor {
	if settle == 0 {
		settle = defaultSettle
	}
	return &Monitor{
		dir:    dir,
		settle: settle,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
}

// Collect blocks until no image has been created or written for the settle
// interval, then returns every image file in the directory, pre-existing
// ones included. Cancelling ctx returns whatever is present at that point.
func (m *Monitor) Collect(ctx context.Context) ([]Image, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(m.dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", m.dir, err)
	}

	timer := time.NewTimer(m.settle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.scan()
		case ev, ok := <-w.Events:
			if !ok {
				return m.scan()
			}
			if isImageFile(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.settle)
			}
		case err, ok := <-w.Errors:
			if ok && err != nil {
				m.logger.Error().Err(err).Msg("watch error")
			}
		case <-timer.C:
			return m.scan()
		}
	}
}

func (m *Monitor) scan() ([]Image, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read images dir: %w", err)
	}

	var images []Image
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		images = append(images, Image{
			Name: entry.Name(),
			Path: filepath.Join(m.dir, entry.Name()),
			Size: info.Size(),
		})
	}

	m.logger.Info().Int("images", len(images)).Msg("local checkpoint complete")
	return images, nil
}

func isImageFile(name string) bool {
	return strings.HasSuffix(name, imageSuffix)
}
