package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sdmkit/internal/config"
	"sdmkit/internal/sdm"
	"sdmkit/internal/storage"
	"sdmkit/internal/tasks"
	"sdmkit/internal/volume"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	cfg         *config.Config
	newExecutor ExecutorFactory
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, factory ExecutorFactory) Processor {
	return &router{log: logger, store: store, cfg: cfg, newExecutor: factory}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobThreshold:
		return r.handleThreshold(ctx, job)
	case JobExtract:
		return r.handleExtract(ctx, job)
	case JobJackknife:
		return r.handleJackknife(ctx, job)
	case JobMetaReg:
		return r.handleMetaReg(ctx, job)
	case JobCheck:
		return r.handleCheck(ctx, job)
	case JobCombine:
		return r.handleCombine(ctx, job)
	case JobLabel:
		return r.handleLabel(ctx, job)
	case JobCompare:
		return r.handleCompare(ctx, job)
	case JobMetaAnalysis:
		return r.handleMetaAnalysis(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) executor(job Job, dir string) (sdm.Executor, error) {
	if r.newExecutor == nil {
		return nil, sdm.ErrToolNotFound
	}
	return r.newExecutor(job, dir)
}

// handleThreshold thresholds an SDM result ("result" option), every
// jack-knife result ("jackknife" option) or a 1-p image (the default).
func (r *router) handleThreshold(ctx context.Context, job Job) Result {
	if result := getStringOption(job.Options, "result"); result != "" || getBoolOption(job.Options, "jackknife") {
		run, err := r.executor(job, job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		t := r.thresholdOption(job.Options, r.cfg.Thresholds.Mean)
		if result != "" {
			err := run.Run(ctx, sdm.ThresholdCommand(result, t))
			return Result{Job: job, Error: err, Meta: map[string]any{"files": sdm.Files(result, t)}}
		}
		results, err := tasks.ThresholdJackknife(ctx, run, job.InputPath, r.thresholdOption(job.Options, r.cfg.Thresholds.Jackknife))
		return Result{Job: job, Error: err, Meta: map[string]any{"results": results}}
	}

	p := getFloat64Option(job.Options, "p")
	if p == 0 {
		p = r.cfg.Thresholds.Mean.P
	}
	out, err := tasks.ThresholdImage(job.InputPath, p)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": out, "threshold": p}}
}

func (r *router) thresholdOption(opts map[string]any, def config.Threshold) sdm.Threshold {
	t := tasks.Threshold(def)
	if v := getFloat64Option(opts, "p"); v > 0 {
		t.P = v
	}
	if v := getFloat64Option(opts, "peak"); v > 0 {
		t.Peak = v
	}
	if v := getFloat64Option(opts, "extent"); v > 0 {
		t.Extent = int(v)
	}
	return t
}

func (r *router) handleExtract(ctx context.Context, job Job) Result {
	prefix := getStringOption(job.Options, "prefix")
	if prefix == "" {
		prefix = strings.TrimSuffix(filepath.Base(job.InputPath), sdm.HTMLExt)
	}
	run, err := r.executor(job, filepath.Dir(job.InputPath))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := tasks.ExtractPeaks(ctx, run, job.InputPath, prefix)
	return Result{Job: job, Error: err, Meta: map[string]any{
		"coordinates": coordStrings(res.Coordinates),
		"masks":       res.Masks,
	}}
}

func (r *router) handleJackknife(ctx context.Context, job Job) Result {
	run, err := r.executor(job, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	runs, err := tasks.JackKnife(ctx, run, tasks.JackknifeRequest{
		Dir:          job.InputPath,
		Analysis:     getStringOption(job.Options, "analysis"),
		SelectColumn: getStringOption(job.Options, "select"),
		StudyColumn:  getStringOption(job.Options, "studyColumn"),
	})
	meta := map[string]any{"runs": runs}
	if err == nil && getBoolOption(job.Options, "threshold") {
		results, terr := tasks.ThresholdJackknife(ctx, run, job.InputPath, tasks.Threshold(r.cfg.Thresholds.Jackknife))
		meta["thresholded"] = results
		err = terr
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleMetaReg(ctx context.Context, job Job) Result {
	columns := getStringsOption(job.Options, "columns")
	if len(columns) == 0 {
		return Result{Job: job, Error: errors.New("metareg: no columns given")}
	}
	run, err := r.executor(job, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	names, err := tasks.MetaRegression(ctx, run, getStringOption(job.Options, "analysis"), columns,
		getStringOption(job.Options, "filter"), r.thresholdOption(job.Options, r.cfg.Thresholds.MetaReg))
	return Result{Job: job, Error: err, Meta: map[string]any{"models": names}}
}

func (r *router) handleCheck(ctx context.Context, job Job) Result {
	req, err := r.checkRequest(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	report, err := tasks.CheckClusters(ctx, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := r.store.RecordFindings(findingRecords(job.ID, report.Findings)); err != nil {
		r.log.Warn("failed to record findings", "job", job.ID, "error", err)
	}
	return Result{Job: job, Meta: map[string]any{
		"mode":     report.Mode,
		"volumes":  len(report.Volumes),
		"findings": len(report.Findings),
		"summary":  report.Summary(),
		"csv":      report.CSVPath,
	}}
}

func (r *router) checkRequest(job Job) (tasks.CheckRequest, error) {
	connN := int(getFloat64Option(job.Options, "connectivity"))
	if connN == 0 {
		connN = r.cfg.Check.Connectivity
	}
	conn, err := volume.ParseConnectivity(connN)
	if err != nil {
		return tasks.CheckRequest{}, err
	}
	req := tasks.CheckRequest{
		BaselinePositive: getStringOption(job.Options, "baseline"),
		BaselineNegative: getStringOption(job.Options, "baselineNeg"),
		Dir:              job.InputPath,
		Mode:             tasks.CheckMode(getStringOption(job.Options, "mode")),
		Connectivity:     conn,
		CSVPath:          job.Output,
		MaxConcurrency:   r.cfg.Check.MaxConcurrency,
	}
	switch req.Mode {
	case "", tasks.ModeJackknife:
		req.Mode = tasks.ModeJackknife
		req.Pattern = tasks.JackknifePattern
	case tasks.ModeMetaRegression:
		req.Pattern = tasks.MetaRegressionPattern
	default:
		return req, fmt.Errorf("check: unknown mode %q", req.Mode)
	}
	if expr := getStringOption(job.Options, "pattern"); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return req, fmt.Errorf("check: pattern: %w", err)
		}
		req.Pattern = re
	}
	return req, nil
}

func findingRecords(jobID string, fs []tasks.Finding) []storage.FindingRecord {
	out := make([]storage.FindingRecord, len(fs))
	for i, f := range fs {
		out[i] = storage.FindingRecord{
			JobID:           jobID,
			Name:            f.Name,
			Volume:          f.Volume,
			Sign:            f.Sign,
			Source:          f.Source,
			Cluster:         int(f.Cluster),
			Voxels:          f.Voxels,
			Peak:            f.Peak,
			PeakValue:       f.PeakValue,
			OverlapVoxels:   f.OverlapVoxels,
			OverlapFraction: f.OverlapFraction,
			Status:          f.Status,
		}
	}
	return out
}

func (r *router) handleCombine(ctx context.Context, job Job) Result {
	mapsDir := getStringOption(job.Options, "mapsDir")
	if mapsDir == "" {
		mapsDir = filepath.Dir(job.InputPath)
	}
	maps, err := tasks.CombineSubgroups(ctx, tasks.CombineRequest{
		StudiesCSV: job.InputPath,
		MapsDir:    mapsDir,
		OutputDir:  job.Output,
		MapPrefix:  getStringOption(job.Options, "prefix"),
		Suffix:     getStringOption(job.Options, "suffix"),
	})
	outputs := make([]string, len(maps))
	for i, m := range maps {
		outputs[i] = m.Output
	}
	return Result{Job: job, Error: err, Meta: map[string]any{"outputs": outputs}}
}

func (r *router) handleLabel(ctx context.Context, job Job) Result {
	connN := int(getFloat64Option(job.Options, "connectivity"))
	if connN == 0 {
		connN = r.cfg.Check.Connectivity
	}
	conn, err := volume.ParseConnectivity(connN)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := tasks.LabelImage(job.InputPath, job.Output, getStringOption(job.Options, "sign"), conn)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": res.Output, "clusters": len(res.Clusters)}}
}

func (r *router) handleCompare(ctx context.Context, job Job) Result {
	dir := getStringOption(job.Options, "dir")
	if dir == "" {
		dir = filepath.Dir(job.InputPath)
	}
	report, err := tasks.CompareCoordinates(job.InputPath, dir)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if job.Output != "" {
		f, err := os.Create(job.Output)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		werr := tasks.WriteCoordinateReport(f, report)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return Result{Job: job, Error: werr}
		}
	}
	return Result{Job: job, Meta: map[string]any{"iterations": len(report.Iterations), "report": report}}
}

func (r *router) handleMetaAnalysis(ctx context.Context, job Job) Result {
	skip, err := tasks.ParseSteps(getStringsOption(job.Options, "skip"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	req, err := tasks.MetaAnalysisDefaults(r.cfg, tasks.MetaAnalysisRequest{
		JobID:          job.ID,
		Dir:            job.InputPath,
		Analysis:       getStringOption(job.Options, "analysis"),
		MetaRegColumns: getStringsOption(job.Options, "columns"),
		Filter:         getStringOption(job.Options, "filter"),
		Skip:           skip,
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	run, err := r.executor(job, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := tasks.RunMetaAnalysis(ctx, run, req)
	for key, report := range res.Checks {
		if rerr := r.store.RecordFindings(findingRecords(job.ID, report.Findings)); rerr != nil {
			r.log.Warn("failed to record findings", "job", job.ID, "check", key, "error", rerr)
		}
	}
	summary := map[string]any{}
	for key, report := range res.Checks {
		summary[key] = report.Summary()
	}
	return Result{Job: job, Error: err, Meta: map[string]any{
		"jackknife": res.Jackknife,
		"peaks":     len(res.Peaks),
		"checks":    summary,
		"skipped":   res.Skipped,
	}}
}

func coordStrings(cs []sdm.Coordinate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

// getFloat64Option accepts float64 (JSON) and int (CLI) values.
func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

// getStringsOption accepts []string (CLI) and []any (JSON) values.
func getStringsOption(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return strings.Split(val, ",")
	}
	return nil
}
