package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"sdmkit/internal/tasks"
)

// CheckTrigger turns watcher events into check jobs. A directory is checked
// once no new result volume has appeared in it for Quiet.
type CheckTrigger struct {
	Submit func(Job) error
	NewID  func() string
	Quiet  time.Duration
	// Build returns the job for a directory and mode; ok=false skips it.
	Build func(dir string, mode tasks.CheckMode) (job Job, ok bool)
	Log   *slog.Logger
}

type pendingCheck struct {
	dir  string
	mode tasks.CheckMode
}

// ModeFor classifies a result volume by name.
func ModeFor(path string) (tasks.CheckMode, bool) {
	name := filepath.Base(path)
	switch {
	case tasks.JackknifePattern.MatchString(name):
		return tasks.ModeJackknife, true
	case tasks.MetaRegressionPattern.MatchString(name):
		return tasks.ModeMetaRegression, true
	}
	return "", false
}

// Run consumes events until ctx is done or events is closed, flushing any
// pending checks before returning.
func (c *CheckTrigger) Run(ctx context.Context, events <-chan tasks.FileSystemEvent) {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	quiet := c.Quiet
	if quiet <= 0 {
		quiet = 5 * time.Second
	}

	pending := map[pendingCheck]bool{}
	timer := time.NewTimer(quiet)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		keys := make([]pendingCheck, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].dir != keys[j].dir {
				return keys[i].dir < keys[j].dir
			}
			return keys[i].mode < keys[j].mode
		})
		for _, k := range keys {
			delete(pending, k)
			job, ok := c.Build(k.dir, k.mode)
			if !ok {
				continue
			}
			if job.ID == "" && c.NewID != nil {
				job.ID = c.NewID()
			}
			if err := c.Submit(job); err != nil {
				log.Error("failed to submit check", "dir", k.dir, "mode", k.mode, "error", err)
				continue
			}
			log.Info("check queued", "id", job.ID, "dir", k.dir, "mode", k.mode)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			mode, ok := ModeFor(ev.Path)
			if !ok {
				continue
			}
			pending[pendingCheck{dir: filepath.Dir(ev.Path), mode: mode}] = true
			timer.Reset(quiet)
		case <-timer.C:
			flush()
		}
	}
}
