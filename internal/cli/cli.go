package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sdmkit/internal/config"
	"sdmkit/internal/grpcserver"
	"sdmkit/internal/pipeline"
	"sdmkit/internal/sdm"
	"sdmkit/internal/server"
	"sdmkit/internal/storage"
	"sdmkit/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolManager interface {
	GetToolStatus() map[string]tasks.ToolStatus
	SDMBinary() (string, error)
}

type toolManagerFactory func(*config.Config) toolManager

type watcherFactory func(dirs []string) (*tasks.FileSystemWatcher, error)

// serveOptions carries the serve command's flags into a serverFunc.
type serveOptions struct {
	Addr     string
	GRPCAddr string
	Watch    []string
	Trigger  *pipeline.CheckTrigger
}

type serverFunc func(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	s, err := server.NewServer(opts.Addr, store, real, opts.Watch, opts.Trigger, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if opts.GRPCAddr == "" {
		return s.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Start(gctx) })
	g.Go(func() error { return grpcserver.New(real, store, log).ListenAndServe(gctx, opts.GRPCAddr) })
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	toolFactory toolManagerFactory
	serveFn     serverFunc
	newWatcher  watcherFactory
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
		newWatcher: func(dirs []string) (*tasks.FileSystemWatcher, error) {
			return tasks.NewFileSystemWatcher(dirs)
		},
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

// Run executes the command line in args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := newRootCmd(r)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	_, err := r.enqueueAndWaitResult(ctx, job)
	return err
}

func (r *Root) enqueueAndWaitResult(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// checkJob builds the check for a directory against analysis's mean (or
// heterogeneity, for meta-regressions when heterogeneity is set) volumes.
func (r *Root) checkJob(dir string, mode tasks.CheckMode, analysis string, heterogeneity bool) (pipeline.Job, bool) {
	result := sdm.MeanResult(analysis)
	csvName := tasks.JackknifeCheckCSV(analysis)
	if mode == tasks.ModeMetaRegression {
		csvName = tasks.MeanMetaRegCheckCSV(analysis)
		if heterogeneity {
			result = sdm.HeterogeneityResult(analysis)
			csvName = tasks.HeterogeneityCheckCSV(analysis)
		}
	}
	pos, neg := tasks.Baseline(dir, result, tasks.Threshold(r.cfg.Thresholds.Mean))
	if pos == "" && neg == "" {
		r.log.Warn("no thresholded baseline yet", "dir", dir, "result", result)
		return pipeline.Job{}, false
	}
	return pipeline.Job{
		ID:        newID("check"),
		Type:      pipeline.JobCheck,
		InputPath: dir,
		Output:    filepath.Join(dir, csvName),
		Options: map[string]any{
			"baseline":    pos,
			"baselineNeg": neg,
			"mode":        string(mode),
		},
	}, true
}

func (r *Root) checkTrigger(analysis string, heterogeneity bool, quiet time.Duration) *pipeline.CheckTrigger {
	return &pipeline.CheckTrigger{
		Submit: r.pipeline.Submit,
		Quiet:  quiet,
		Log:    r.log,
		Build: func(dir string, mode tasks.CheckMode) (pipeline.Job, bool) {
			return r.checkJob(dir, mode, analysis, heterogeneity)
		},
	}
}

// watch queues checks for result volumes appearing in dirs and reports each
// finished check until ctx is done.
func (r *Root) watch(ctx context.Context, dirs []string, analysis string, heterogeneity bool, quiet time.Duration) error {
	if analysis == "" {
		return errors.New("watch: analysis name is required")
	}
	w, err := r.newWatcher(dirs)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	trigger := r.checkTrigger(analysis, heterogeneity, quiet)
	done := make(chan struct{})
	go func() {
		defer close(done)
		trigger.Run(ctx, w.Events)
	}()

	r.log.Info("watching for result volumes", "dirs", dirs, "analysis", analysis)
	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			if res.Job.Type != pipeline.JobCheck {
				continue
			}
			if res.Error != nil {
				fmt.Printf("check %s failed: %v\n", res.Job.InputPath, res.Error)
				continue
			}
			fmt.Printf("check %s (%v): %v -> %s\n", res.Job.InputPath, res.Meta["mode"], res.Meta["summary"], res.Job.Output)
		}
	}
}
