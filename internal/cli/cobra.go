package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sdmkit/internal/config"
	"sdmkit/internal/pipeline"
	"sdmkit/internal/storage"
	"sdmkit/internal/tasks"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdmkit",
		Short: "sdmkit drives Seed-based d Mapping meta-analyses",
		Long: `sdmkit runs SDM meta-analyses end to end: preprocessing, mean analysis,
jack-knife and meta-regressions, thresholding, peak extraction, and checks of
jack-knife and meta-regression clusters against the mean result.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newThresholdCmd(root))
	rootCmd.AddCommand(newThresholdJKCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newCompareCmd(root))
	rootCmd.AddCommand(newJackknifeCmd(root))
	rootCmd.AddCommand(newMetaRegCmd(root))
	rootCmd.AddCommand(newCheckCmd(root))
	rootCmd.AddCommand(newCombineCmd(root))
	rootCmd.AddCommand(newLabelCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newThresholdCmd(root *Root) *cobra.Command {
	var (
		result string
		p      float64
		peak   float64
		extent int
	)

	cmd := &cobra.Command{
		Use:   "threshold <image|analysis_dir>",
		Short: "Threshold a 1-p image or an SDM result",
		Long: `Without --result, zero every voxel of a 1-p image below 1-p and write
<name>_<p>.nii.gz next to it. With --result, run SDM's threshold command on
that result inside the analysis directory.`,
		Example: `  sdmkit threshold MDD_mean_1mp.nii.gz --p 0.005
  sdmkit threshold ./analysis --result MDD_mean_z --p 0.001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"source": "cli"}
			if result != "" {
				opts["result"] = result
			}
			if p > 0 {
				opts["p"] = p
			}
			if peak > 0 {
				opts["peak"] = peak
			}
			if extent > 0 {
				opts["extent"] = extent
			}
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("threshold"),
				Type:      pipeline.JobThreshold,
				InputPath: args[0],
				Options:   opts,
			})
			if err != nil {
				return err
			}
			if out, ok := res.Meta["output"]; ok {
				fmt.Printf("Wrote %v\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&result, "result", "", "SDM result to threshold, e.g. MDD_mean_z")
	cmd.Flags().Float64Var(&p, "p", 0, "p threshold (config default if 0)")
	cmd.Flags().Float64Var(&peak, "peak", 0, "peak height threshold (config default if 0)")
	cmd.Flags().IntVar(&extent, "extent", 0, "cluster extent in voxels (config default if 0)")
	return cmd
}

func newThresholdJKCmd(root *Root) *cobra.Command {
	var p float64

	cmd := &cobra.Command{
		Use:   "threshold-jk <analysis_dir>",
		Short: "Threshold every jack-knife result in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"jackknife": true, "source": "cli"}
			if p > 0 {
				opts["p"] = p
			}
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("threshold-jk"),
				Type:      pipeline.JobThreshold,
				InputPath: args[0],
				Options:   opts,
			})
			if err != nil {
				return err
			}
			if results, ok := res.Meta["results"].([]string); ok {
				fmt.Printf("Thresholded %d jack-knife results\n", len(results))
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&p, "p", 0, "p threshold (config default if 0)")
	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "extract <result.htm>",
		Short: "Mask each peak of an SDM result page and extract its values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("extract"),
				Type:      pipeline.JobExtract,
				InputPath: args[0],
				Options:   map[string]any{"prefix": prefix, "source": "cli"},
			})
			if err != nil {
				return err
			}
			coords, _ := res.Meta["coordinates"].([]string)
			masks, _ := res.Meta["masks"].([]string)
			rows := make([][]string, len(coords))
			for i, c := range coords {
				mask := ""
				if i < len(masks) {
					mask = masks[i]
				}
				rows[i] = []string{strconv.Itoa(i + 1), c, mask}
			}
			fmt.Println(renderTable([]string{"#", "Peak", "Mask"}, rows, []columnAlignment{alignRight}))
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "mask name prefix (page name if empty)")
	return cmd
}

func newCompareCmd(root *Root) *cobra.Command {
	var (
		dir    string
		output string
	)

	cmd := &cobra.Command{
		Use:   "compare <baseline.htm>",
		Short: "Compare peaks of thresholded jack-knife pages with a baseline page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("compare"),
				Type:      pipeline.JobCompare,
				InputPath: args[0],
				Output:    output,
				Options:   map[string]any{"dir": dir, "source": "cli"},
			})
			if err != nil {
				return err
			}
			if report, ok := res.Meta["report"].(tasks.CoordinateReport); ok && output == "" {
				return tasks.WriteCoordinateReport(os.Stdout, report)
			}
			if output != "" {
				fmt.Printf("Wrote %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory holding jack-knife pages (baseline's directory if empty)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to this file instead of stdout")
	return cmd
}

func newJackknifeCmd(root *Root) *cobra.Command {
	var (
		analysis    string
		selectCol   string
		studyCol    string
		doThreshold bool
	)

	cmd := &cobra.Command{
		Use:   "jackknife <analysis_dir>",
		Short: "Run a leave-one-out mean analysis per selected study",
		Long: `For each study selected in the SDM table, rewrite JK_column to leave it out
and run "<analysis>_JK_<study> = mean JK_column". The analysis directory is
locked while the table is rewritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("jackknife"),
				Type:      pipeline.JobJackknife,
				InputPath: args[0],
				Options: map[string]any{
					"analysis":    analysis,
					"select":      selectCol,
					"studyColumn": studyCol,
					"threshold":   doThreshold,
					"source":      "cli",
				},
			})
			if err != nil {
				return err
			}
			runs, _ := res.Meta["runs"].([]string)
			fmt.Printf("Completed %d jack-knife runs\n", len(runs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&analysis, "analysis", "a", "", "analysis name")
	cmd.Flags().StringVar(&selectCol, "select", "", "table column selecting studies (1 = include)")
	cmd.Flags().StringVar(&studyCol, "study-column", "", "table column naming studies (study if empty)")
	cmd.Flags().BoolVar(&doThreshold, "threshold", false, "threshold the jack-knife results afterwards")
	cmd.MarkFlagRequired("analysis")
	cmd.MarkFlagRequired("select")
	return cmd
}

func newMetaRegCmd(root *Root) *cobra.Command {
	var (
		analysis string
		columns  []string
		filter   string
	)

	cmd := &cobra.Command{
		Use:   "metareg <analysis_dir>",
		Short: "Fit and threshold one meta-regression per column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("metareg"),
				Type:      pipeline.JobMetaReg,
				InputPath: args[0],
				Options: map[string]any{
					"analysis": analysis,
					"columns":  columns,
					"filter":   filter,
					"source":   "cli",
				},
			})
		},
	}

	cmd.Flags().StringVarP(&analysis, "analysis", "a", "", "analysis name")
	cmd.Flags().StringSliceVarP(&columns, "column", "c", nil, "regressor column (repeatable)")
	cmd.Flags().StringVar(&filter, "filter", "", "SDM filter variable")
	cmd.MarkFlagRequired("analysis")
	return cmd
}

func newCheckCmd(root *Root) *cobra.Command {
	var (
		baseline      string
		baselineNeg   string
		analysis      string
		mode          string
		pattern       string
		connectivity  int
		output        string
		heterogeneity bool
	)

	cmd := &cobra.Command{
		Use:   "check <analysis_dir>",
		Short: "Compare jack-knife or meta-regression clusters with a baseline",
		Long: `Label the clusters of each thresholded jack-knife or meta-regression volume
and of the baseline, and report which baseline clusters are retained or missing
(jack-knife) or overlapped (meta-regression), and which clusters are new.

The baseline is given with --baseline/--baseline-neg, or derived from
--analysis as the thresholded mean (or, with --heterogeneity, QH) volumes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			job := pipeline.Job{
				ID:        newID("check"),
				Type:      pipeline.JobCheck,
				InputPath: dir,
				Output:    output,
				Options: map[string]any{
					"baseline":    baseline,
					"baselineNeg": baselineNeg,
					"mode":        mode,
					"source":      "cli",
				},
			}
			if baseline == "" && baselineNeg == "" {
				if analysis == "" {
					return fmt.Errorf("check: --baseline or --analysis is required")
				}
				derived, ok := root.checkJob(dir, tasks.CheckMode(mode), analysis, heterogeneity)
				if !ok {
					return fmt.Errorf("check: no thresholded baseline for %s in %s", analysis, dir)
				}
				job.Options["baseline"] = derived.Options["baseline"]
				job.Options["baselineNeg"] = derived.Options["baselineNeg"]
				if output == "" {
					job.Output = derived.Output
				}
			}
			if pattern != "" {
				job.Options["pattern"] = pattern
			}
			if connectivity > 0 {
				job.Options["connectivity"] = connectivity
			}

			res, err := root.enqueueAndWaitResult(cmd.Context(), job)
			if err != nil {
				return err
			}
			printSummary(res.Meta["summary"])
			if job.Output != "" {
				fmt.Printf("Findings written to %s\n", job.Output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseline, "baseline", "", "thresholded positive baseline volume")
	cmd.Flags().StringVar(&baselineNeg, "baseline-neg", "", "thresholded negative baseline volume")
	cmd.Flags().StringVarP(&analysis, "analysis", "a", "", "analysis name used to locate the baseline")
	cmd.Flags().StringVar(&mode, "mode", string(tasks.ModeJackknife), "jackknife or metareg")
	cmd.Flags().StringVar(&pattern, "pattern", "", "regexp selecting candidate volumes (named groups name and neg)")
	cmd.Flags().IntVar(&connectivity, "connectivity", 0, "voxel connectivity 6, 18 or 26 (config default if 0)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV output path")
	cmd.Flags().BoolVar(&heterogeneity, "heterogeneity", false, "use the heterogeneity (QH) map as baseline")
	return cmd
}

func printSummary(v any) {
	summary, ok := v.(map[string]int)
	if !ok || len(summary) == 0 {
		fmt.Println("No clusters found")
		return
	}
	statuses := make([]string, 0, len(summary))
	for s := range summary {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	rows := make([][]string, len(statuses))
	for i, s := range statuses {
		rows[i] = []string{s, strconv.Itoa(summary[s])}
	}
	fmt.Println(renderTable([]string{"Status", "Clusters"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func newCombineCmd(root *Root) *cobra.Command {
	var (
		mapsDir string
		output  string
		prefix  string
		suffix  string
	)

	cmd := &cobra.Command{
		Use:   "combine <studies.csv>",
		Short: "Pool per-group effect-size maps into one t map per study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("combine"),
				Type:      pipeline.JobCombine,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"mapsDir": mapsDir,
					"prefix":  prefix,
					"suffix":  suffix,
					"source":  "cli",
				},
			})
			if err != nil {
				return err
			}
			outputs, _ := res.Meta["outputs"].([]string)
			for _, o := range outputs {
				fmt.Println(o)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mapsDir, "maps", "", "directory holding the per-group maps (CSV's directory if empty)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&prefix, "prefix", "", "per-group map file prefix (pp_ if empty)")
	cmd.Flags().StringVar(&suffix, "suffix", "", "suffix appended to each output name")
	return cmd
}

func newLabelCmd(root *Root) *cobra.Command {
	var (
		output       string
		sign         string
		connectivity int
	)

	cmd := &cobra.Command{
		Use:   "label <image>",
		Short: "Write the connected clusters of a volume as a label image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"source": "cli"}
			if connectivity > 0 {
				opts["connectivity"] = connectivity
			}
			if sign != "" {
				opts["sign"] = sign
			}
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("label"),
				Type:      pipeline.JobLabel,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %v (%v clusters)\n", res.Meta["output"], res.Meta["clusters"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "label image path (<name>_labels.nii.gz if empty)")
	cmd.Flags().StringVar(&sign, "sign", "", "label only the positive or negative voxels of a signed map (both if empty)")
	cmd.Flags().IntVar(&connectivity, "connectivity", 0, "voxel connectivity 6, 18 or 26 (config default if 0)")
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		analysis string
		columns  []string
		filter   string
		skip     []string
	)

	stepNames := make([]string, len(tasks.Steps))
	for i, s := range tasks.Steps {
		stepNames[i] = string(s)
	}

	cmd := &cobra.Command{
		Use:   "run <analysis_dir>",
		Short: "Run a whole meta-analysis",
		Long: fmt.Sprintf(`Preprocess, run the mean analysis, jack-knife and meta-regressions,
threshold every result, extract peaks and check jack-knife and meta-regression
clusters against the mean and heterogeneity maps.

Steps: %s`, strings.Join(stepNames, ", ")),
		Example: `  sdmkit run ./analysis -a MDD --filter CombinedGroups -c Age -c HAMD17
  sdmkit run ./analysis -a MDD --skip preprocess,mean`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWaitResult(cmd.Context(), pipeline.Job{
				ID:        newID("ma"),
				Type:      pipeline.JobMetaAnalysis,
				InputPath: args[0],
				Options: map[string]any{
					"analysis": analysis,
					"columns":  columns,
					"filter":   filter,
					"skip":     skip,
					"source":   "cli",
				},
			})
			if err != nil {
				return err
			}
			checks, _ := res.Meta["checks"].(map[string]any)
			keys := make([]string, 0, len(checks))
			for k := range checks {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("\n%s\n", k)
				printSummary(checks[k])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&analysis, "analysis", "a", "", "analysis name")
	cmd.Flags().StringSliceVarP(&columns, "column", "c", nil, "meta-regression column (repeatable)")
	cmd.Flags().StringVar(&filter, "filter", "", "SDM filter variable, also selecting jack-knife studies")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "steps to skip")
	cmd.MarkFlagRequired("analysis")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		analysis      string
		heterogeneity bool
		quiet         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <analysis_dir> [dir...]",
		Short: "Check new thresholded volumes as SDM writes them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watch(cmd.Context(), args, analysis, heterogeneity, quiet)
		},
	}

	cmd.Flags().StringVarP(&analysis, "analysis", "a", "", "analysis name used to locate the baseline")
	cmd.Flags().BoolVar(&heterogeneity, "heterogeneity", false, "check meta-regressions against the heterogeneity map")
	cmd.Flags().DurationVar(&quiet, "quiet", 5*time.Second, "wait this long after the last new volume before checking")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr          string
		grpcAddr      string
		watchPaths    []string
		analysis      string
		heterogeneity bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job API",
		Long: `Start an HTTP server for submitting jobs and following their results.
Optionally serves the same jobs over gRPC, and watches analysis directories
to check new result volumes.

Examples:
  # Basic server
  sdmkit serve --addr :8080

  # Server that checks jack-knife volumes as they appear
  sdmkit serve --watch ./analysis --analysis MDD

  # HTTP plus gRPC (sdmkit.v1.Jobs and grpc.health.v1)
  sdmkit serve --addr :8080 --grpc-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			if grpcAddr == "" {
				grpcAddr = root.cfg.Server.GRPCAddr
			}
			opts := serveOptions{Addr: addr, GRPCAddr: grpcAddr, Watch: watchPaths}
			if len(watchPaths) > 0 {
				if analysis == "" {
					return fmt.Errorf("serve: --analysis is required with --watch")
				}
				opts.Trigger = root.checkTrigger(analysis, heterogeneity, 0)
			}
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr, "watch_paths", watchPaths)
			return root.serveFn(cmd.Context(), opts, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (config default if empty)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (config default if empty, disabled when both are empty)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "analysis directories to watch (repeatable)")
	cmd.Flags().StringVarP(&analysis, "analysis", "a", "", "analysis name used to locate the baseline")
	cmd.Flags().BoolVar(&heterogeneity, "heterogeneity", false, "check meta-regressions against the heterogeneity map")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recent jobs, or show one job's SDM commands and findings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.showJob(args[0])
			}
			return root.listJobs(limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func (r *Root) listJobs(limit int) error {
	recs, err := r.store.RecentJobs(limit)
	if err != nil {
		return err
	}
	rows := make([][]string, len(recs))
	for i, rec := range recs {
		rows[i] = []string{
			rec.ID,
			rec.JobType,
			rec.Status,
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			filepath.Base(rec.InputPath),
		}
	}
	fmt.Println(renderTable([]string{"ID", "Type", "Status", "Created", "Input"}, rows, nil))
	return nil
}

func (r *Root) showJob(id string) error {
	rec, err := r.store.Job(id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	fmt.Printf("Job %s (%s): %s\n", rec.ID, rec.JobType, rec.Status)
	fmt.Printf("Input: %s\n", rec.InputPath)
	if rec.OutputPath != "" {
		fmt.Printf("Output: %s\n", rec.OutputPath)
	}
	if rec.Error != "" {
		fmt.Printf("Error: %s\n", rec.Error)
	}

	invocations, err := r.store.Invocations(id)
	if err != nil {
		return err
	}
	if len(invocations) > 0 {
		rows := make([][]string, len(invocations))
		for i, inv := range invocations {
			rows[i] = []string{
				inv.Command,
				strconv.Itoa(inv.ExitCode),
				inv.FinishedAt.Sub(inv.StartedAt).Round(time.Millisecond).String(),
			}
		}
		fmt.Println(renderTable([]string{"SDM command", "Exit", "Duration"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
	}

	findings, err := r.store.Findings(id, "")
	if err != nil {
		return err
	}
	if len(findings) > 0 {
		rows := make([][]string, len(findings))
		for i, f := range findings {
			rows[i] = []string{
				f.Name,
				f.Sign,
				f.Source,
				strconv.Itoa(f.Cluster),
				strconv.Itoa(f.Voxels),
				fmt.Sprintf("%d,%d,%d", f.Peak[0], f.Peak[1], f.Peak[2]),
				f.Status,
			}
		}
		fmt.Println(renderTable([]string{"Name", "Sign", "Source", "Cluster", "Voxels", "Peak", "Status"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
	}
	return nil
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show which SDM executables are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools(verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show versions, paths and lookup errors")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
