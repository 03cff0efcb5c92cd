package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"sdmkit/internal/config"
	"sdmkit/internal/logging"
	"sdmkit/internal/sdm"
	"sdmkit/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobThreshold    JobType = "threshold"
	JobExtract      JobType = "extract"
	JobJackknife    JobType = "jackknife"
	JobMetaReg      JobType = "metareg"
	JobCheck        JobType = "check"
	JobCombine      JobType = "combine"
	JobLabel        JobType = "label"
	JobCompare      JobType = "compare"
	JobMetaAnalysis JobType = "meta-analysis"
)

// JobTypes lists every job type the router accepts.
var JobTypes = []JobType{
	JobThreshold, JobExtract, JobJackknife, JobMetaReg, JobCheck,
	JobCombine, JobLabel, JobCompare, JobMetaAnalysis,
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, jt := range JobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Validate reports why a job cannot be queued.
func (j Job) Validate() error {
	if !j.Type.Valid() {
		return fmt.Errorf("unknown job type: %s", j.Type)
	}
	if j.InputPath == "" {
		return errors.New("input is required")
	}
	return nil
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ExecutorFactory returns the SDM executor a job uses, working in dir.
type ExecutorFactory func(job Job, dir string) (sdm.Executor, error)

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	cfg       *config.Config
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency. A nil factory
// resolves the SDM binary from cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, factory ExecutorFactory) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if factory == nil {
		factory = SDMExecutorFactory(cfg, logger, store)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		store:  store,
		cfg:    cfg,
		subs:   make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = newRouter(logger, store, cfg, factory)
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// SDMExecutorFactory builds runners for the configured SDM binary. Each
// invocation is logged and recorded against the job in store.
func SDMExecutorFactory(cfg *config.Config, logger *slog.Logger, store *storage.Store) ExecutorFactory {
	return func(job Job, dir string) (sdm.Executor, error) {
		bin, err := sdm.LookupBinary(cfg.SDM.Binary, cfg.SDM.Fallbacks...)
		if err != nil {
			return nil, err
		}
		if cfg.SDM.WorkDir != "" && dir == "" {
			dir = cfg.SDM.WorkDir
		}
		r := sdm.NewRunner(bin, dir, logger)
		if cfg.SDM.Timeout != "" {
			d, err := time.ParseDuration(cfg.SDM.Timeout)
			if err != nil {
				return nil, fmt.Errorf("sdm.timeout %q: %w", cfg.SDM.Timeout, err)
			}
			r.Timeout = d
		}
		r.Observe = func(inv sdm.Invocation) {
			logging.LogSDMCommand(logger, job.ID, inv.Command, inv.ExitCode, inv.Finished.Sub(inv.Started))
			rec := storage.InvocationRecord{
				JobID:      job.ID,
				Command:    inv.Command,
				WorkDir:    inv.Dir,
				ExitCode:   inv.ExitCode,
				Output:     inv.Output,
				StartedAt:  inv.Started,
				FinishedAt: inv.Finished,
			}
			if inv.Err != nil {
				rec.Error = inv.Err.Error()
			}
			_ = store.RecordInvocation(rec)
		}
		return r, nil
	}
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			fields := logging.Job{Type: string(job.Type), ID: job.ID, Input: job.InputPath, Output: job.Output}
			logging.LogJobStart(p.log, fields, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			logging.LogJobFinish(p.log, fields, duration, res.Meta, res.Error)
			status := "completed"
			if res.Error != nil {
				status = "failed"
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
