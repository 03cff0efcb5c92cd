package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"

	"sdmkit/internal/sdm"
)

// JackknifeColumn is the selection column written for each leave-one-out run.
const JackknifeColumn = "JK_column"

// LockName is the lock file taken in an analysis directory while the study
// table is being rewritten.
const LockName = ".sdmkit.lock"

// ErrLocked is returned when another process holds the analysis directory.
var ErrLocked = errors.New("analysis directory is locked")

// JackknifeRequest describes a leave-one-out run over an SDM analysis directory.
type JackknifeRequest struct {
	Dir          string
	Analysis     string
	SelectColumn string // studies with 1 here take part; empty selects all
	StudyColumn  string // defaults to "study"
}

// JackknifeName names the run that leaves study out.
func JackknifeName(analysis, study string) string {
	return analysis + "_JK_" + study
}

// LockDir takes the analysis directory lock, failing fast when it is held.
func LockDir(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, LockName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return fl, nil
}

// JackKnife runs one mean analysis per selected study, each leaving that
// study out through the JK_column of the study table.
func JackKnife(ctx context.Context, run sdm.Executor, req JackknifeRequest) ([]string, error) {
	if req.StudyColumn == "" {
		req.StudyColumn = "study"
	}
	fl, err := LockDir(req.Dir)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	path := filepath.Join(req.Dir, sdm.TableName)
	tbl, err := sdm.ReadTable(path)
	if err != nil {
		return nil, err
	}
	studies, err := tbl.Column(req.StudyColumn)
	if err != nil {
		return nil, err
	}
	selected := make([]bool, tbl.Len())
	if req.SelectColumn == "" {
		for i := range selected {
			selected[i] = true
		}
	} else {
		sel, err := tbl.Floats(req.SelectColumn)
		if err != nil {
			return nil, err
		}
		for i, v := range sel {
			selected[i] = v == 1
		}
	}

	var runs []string
	for i, in := range selected {
		if !in {
			continue
		}
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		col := make([]string, len(selected))
		for j := range col {
			col[j] = "0.0"
			if selected[j] && j != i {
				col[j] = "1.0"
			}
		}
		if err := tbl.SetColumn(JackknifeColumn, col); err != nil {
			return runs, err
		}
		if err := tbl.Write(path); err != nil {
			return runs, err
		}

		name := JackknifeName(req.Analysis, studies[i])
		slog.Info("jack-knife iteration", "run", name, "left_out", studies[i])
		if err := run.Run(ctx, sdm.Mean(name, JackknifeColumn)); err != nil {
			return runs, err
		}
		runs = append(runs, name)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no selected studies in %s", ErrNoResults, path)
	}
	return runs, nil
}
