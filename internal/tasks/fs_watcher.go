package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"

	"sdmkit/internal/fsutil"
)

// FileSystemEvent represents a file system change
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher reports thresholded result volumes appearing in
// analysis directories.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	patterns  []*regexp.Regexp
	done      chan struct{}
}

// NewFileSystemWatcher watches dirs for files matching any of patterns,
// defaulting to jack-knife and meta-regression volumes.
func NewFileSystemWatcher(dirs []string, patterns ...*regexp.Regexp) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns = []*regexp.Regexp{JackknifePattern, MetaRegressionPattern}
	}

	return &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: dirs,
		patterns:  patterns,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		slog.Info("watching directory", "dir", dir)
	}

	go fsw.processEvents()
	return nil
}

// Stop stops the filesystem watcher. Events is closed once processing ends.
func (fsw *FileSystemWatcher) Stop() error {
	close(fsw.done)
	return fsw.watcher.Close()
}

func (fsw *FileSystemWatcher) processEvents() {
	defer close(fsw.Events)
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			if !fsw.matches(event.Name) {
				continue
			}

			var size int64
			if info, err := os.Stat(event.Name); err == nil {
				size = info.Size()
			}

			select {
			case fsw.Events <- FileSystemEvent{Path: event.Name, Operation: operation, Time: time.Now(), Size: size}:
			case <-fsw.done:
				return
			default:
				slog.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

func (fsw *FileSystemWatcher) matches(path string) bool {
	if !fsutil.IsNifti(path) {
		return false
	}
	name := filepath.Base(path)
	for _, p := range fsw.patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}
