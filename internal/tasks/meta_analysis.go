package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"sdmkit/internal/fsutil"
	"sdmkit/internal/logging"
	"sdmkit/internal/sdm"
	"sdmkit/internal/volume"
)

// Step names one stage of a whole meta-analysis.
type Step string

const (
	StepPreprocess         Step = "preprocess"
	StepMean               Step = "mean"
	StepThresholdMean      Step = "threshold-mean"
	StepJackknife          Step = "jackknife"
	StepMetaRegression     Step = "metareg"
	StepThresholdJackknife Step = "threshold-jk"
	StepExtract            Step = "extract"
	StepCheck              Step = "check"
)

// Steps lists every stage in run order.
var Steps = []Step{
	StepPreprocess, StepMean, StepThresholdMean, StepJackknife,
	StepMetaRegression, StepThresholdJackknife, StepExtract, StepCheck,
}

// ParseSteps converts step names to a set, rejecting unknown names.
func ParseSteps(names []string) (map[Step]bool, error) {
	known := map[Step]bool{}
	for _, s := range Steps {
		known[s] = true
	}
	out := map[Step]bool{}
	for _, n := range names {
		if !known[Step(n)] {
			return nil, fmt.Errorf("unknown step %q", n)
		}
		out[Step(n)] = true
	}
	return out, nil
}

// MetaAnalysisRequest describes a whole meta-analysis run.
type MetaAnalysisRequest struct {
	JobID              string
	Dir                string
	Analysis           string
	MetaRegColumns     []string
	Filter             string // SDM filter variable; also selects jack-knife studies
	Preprocess         sdm.Preprocessing
	MeanThreshold      sdm.Threshold
	JackknifeThreshold sdm.Threshold
	MetaRegThreshold   sdm.Threshold
	Connectivity       volume.Connectivity
	MaxConcurrency     int
	Skip               map[Step]bool
}

// MetaAnalysisResult collects what each stage produced.
type MetaAnalysisResult struct {
	Jackknife []string                  `json:"jackknife,omitempty"`
	Peaks     map[string]PeakExtraction `json:"peaks,omitempty"`
	Checks    map[string]CheckReport    `json:"checks,omitempty"`
	Skipped   []Step                    `json:"skipped,omitempty"`
}

// Check report names.
func JackknifeCheckCSV(analysis string) string     { return analysis + "_JK_check.csv" }
func MeanMetaRegCheckCSV(analysis string) string   { return analysis + "_mean_metareg_check.csv" }
func HeterogeneityCheckCSV(analysis string) string { return analysis + "_QH_metareg_check.csv" }

// MetaRegression fits one linear model per column and thresholds its
// slope map. It returns the model names in column order.
func MetaRegression(ctx context.Context, run sdm.Executor, analysis string, columns []string, filter string, t sdm.Threshold) ([]string, error) {
	var names []string
	for _, col := range columns {
		name := analysis + "_" + col
		slog.Info("running meta-regression", "model", name)
		if err := run.Run(ctx, sdm.LinearModel(name, col, filter)); err != nil {
			return names, err
		}
		if err := run.Run(ctx, sdm.ThresholdCommand(sdm.MetaRegResult(name), t)); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

// RunMetaAnalysis runs preprocessing, the mean analysis, jack-knife and
// meta-regressions, then extracts peaks and checks the jack-knife and
// meta-regression volumes against the mean and heterogeneity maps.
func RunMetaAnalysis(ctx context.Context, run sdm.Executor, req MetaAnalysisRequest) (MetaAnalysisResult, error) {
	if req.Analysis == "" {
		return MetaAnalysisResult{}, errors.New("analysis name is required")
	}
	if req.MeanThreshold == (sdm.Threshold{}) {
		req.MeanThreshold = sdm.DefaultThreshold
	}
	if req.JackknifeThreshold == (sdm.Threshold{}) {
		req.JackknifeThreshold = sdm.DefaultThreshold
	}
	if req.MetaRegThreshold == (sdm.Threshold{}) {
		req.MetaRegThreshold = sdm.DefaultMetaRegThreshold
	}
	res := MetaAnalysisResult{Peaks: map[string]PeakExtraction{}, Checks: map[string]CheckReport{}}

	mean := sdm.MeanResult(req.Analysis)
	qh := sdm.HeterogeneityResult(req.Analysis)
	metaregName := func(col string) string { return req.Analysis + "_" + col }

	step := func(s Step, fn func() error) error {
		if req.Skip[s] {
			logging.LogProcessingStep(slog.Default(), req.JobID, string(s), "skipped", nil)
			res.Skipped = append(res.Skipped, s)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logging.LogProcessingStep(slog.Default(), req.JobID, string(s), "started", map[string]any{"analysis": req.Analysis})
		if err := fn(); err != nil {
			logging.LogProcessingStep(slog.Default(), req.JobID, string(s), "failed", map[string]any{"error": err.Error()})
			return fmt.Errorf("%s: %w", s, err)
		}
		logging.LogProcessingStep(slog.Default(), req.JobID, string(s), "completed", nil)
		return nil
	}

	stages := []struct {
		step Step
		fn   func() error
	}{
		{StepPreprocess, func() error {
			return run.Run(ctx, sdm.Preprocess(req.Preprocess))
		}},
		{StepMean, func() error {
			return run.Run(ctx, sdm.Mean(req.Analysis+"_mean", req.Filter))
		}},
		{StepThresholdMean, func() error {
			if err := run.Run(ctx, sdm.ThresholdCommand(mean, req.MeanThreshold)); err != nil {
				return err
			}
			return run.Run(ctx, sdm.ThresholdCommand(qh, req.MeanThreshold))
		}},
		{StepJackknife, func() error {
			runs, err := JackKnife(ctx, run, JackknifeRequest{Dir: req.Dir, Analysis: req.Analysis, SelectColumn: req.Filter})
			res.Jackknife = runs
			return err
		}},
		{StepMetaRegression, func() error {
			_, err := MetaRegression(ctx, run, req.Analysis, req.MetaRegColumns, req.Filter, req.MetaRegThreshold)
			return err
		}},
		{StepThresholdJackknife, func() error {
			_, err := ThresholdJackknife(ctx, run, req.Dir, req.JackknifeThreshold)
			return err
		}},
		{StepExtract, func() error {
			page := filepath.Join(req.Dir, sdm.Files(mean, req.MeanThreshold).HTML)
			p, err := ExtractPeaks(ctx, run, page, req.Analysis+"_mean")
			if err != nil {
				return err
			}
			res.Peaks[req.Analysis+"_mean"] = p
			for _, col := range req.MetaRegColumns {
				name := metaregName(col)
				page := filepath.Join(req.Dir, sdm.Files(sdm.MetaRegResult(name), req.MetaRegThreshold).HTML)
				p, err := ExtractPeaks(ctx, run, page, name)
				if err != nil {
					return err
				}
				res.Peaks[name] = p
			}
			return nil
		}},
		{StepCheck, func() error {
			return runChecks(ctx, req, mean, qh, &res)
		}},
	}
	for _, s := range stages {
		if err := step(s.step, s.fn); err != nil {
			return res, err
		}
	}
	return res, nil
}

func runChecks(ctx context.Context, req MetaAnalysisRequest, mean, qh string, res *MetaAnalysisResult) error {
	checks := []struct {
		key     string
		result  string
		mode    CheckMode
		csvName string
	}{
		{"jackknife", mean, ModeJackknife, JackknifeCheckCSV(req.Analysis)},
		{"metareg_mean", mean, ModeMetaRegression, MeanMetaRegCheckCSV(req.Analysis)},
		{"metareg_heterogeneity", qh, ModeMetaRegression, HeterogeneityCheckCSV(req.Analysis)},
	}
	for _, c := range checks {
		if c.mode == ModeMetaRegression && len(req.MetaRegColumns) == 0 {
			continue
		}
		pattern := JackknifePattern
		if c.mode == ModeMetaRegression {
			pattern = MetaRegressionPattern
		}
		pos, neg := Baseline(req.Dir, c.result, req.MeanThreshold)
		report, err := CheckClusters(ctx, CheckRequest{
			BaselinePositive: pos,
			BaselineNegative: neg,
			Dir:              req.Dir,
			Pattern:          pattern,
			Mode:             c.mode,
			Connectivity:     req.Connectivity,
			CSVPath:          filepath.Join(req.Dir, c.csvName),
			MaxConcurrency:   req.MaxConcurrency,
		})
		if err != nil {
			return fmt.Errorf("%s check: %w", c.key, err)
		}
		res.Checks[c.key] = report
	}
	return nil
}

// Baseline returns the thresholded positive and negative volumes of result
// in dir, leaving out any SDM did not write.
func Baseline(dir, result string, t sdm.Threshold) (pos, neg string) {
	files := sdm.Files(result, t)
	// SDM omits empty volumes.
	return fsutil.FirstExisting(filepath.Join(dir, files.Positive)), fsutil.FirstExisting(filepath.Join(dir, files.Negative))
}
