// Package sdm drives the external SDM (Seed-based d Mapping) command-line
// tool and reads the files it produces.
package sdm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrToolNotFound is returned when no SDM executable can be located.
var ErrToolNotFound = errors.New("sdm executable not found")

// Executor runs one SDM command line.
type Executor interface {
	Run(ctx context.Context, command string) error
}

// Invocation describes one finished SDM call.
type Invocation struct {
	Command  string
	Args     []string
	Dir      string
	Output   string
	ExitCode int
	Err      error
	Started  time.Time
	Finished time.Time
}

// CommandError reports a failed SDM call with its output.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 400 {
		out = "..." + out[len(out)-400:]
	}
	if out == "" {
		return fmt.Sprintf("sdm %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("sdm %q failed: %v: %s", e.Command, e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes SDM in an analysis directory. SDM reads sdm_table.txt and
// writes its results relative to its working directory.
type Runner struct {
	Binary  string
	Dir     string
	Timeout time.Duration
	Log     *slog.Logger
	// Observe, when set, is called after every invocation.
	Observe func(Invocation)
}

// NewRunner returns a Runner for binary working in dir.
func NewRunner(binary, dir string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Binary: binary, Dir: dir, Log: log}
}

// Args splits an SDM command line into arguments the way the tool expects:
// on whitespace, with no shell interpretation.
func Args(command string) []string {
	return strings.Fields(command)
}

// Run executes the SDM command line.
func (r *Runner) Run(ctx context.Context, command string) error {
	if r.Binary == "" {
		return ErrToolNotFound
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := Args(command)
	inv := Invocation{Command: command, Args: args, Dir: r.Dir, Started: time.Now()}
	r.Log.Info("running sdm", "command", command, "args", args, "dir", r.Dir)

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = r.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	inv.Finished = time.Now()
	inv.Output = out.String()
	if cmd.ProcessState != nil {
		inv.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		cerr := &CommandError{Command: command, ExitCode: inv.ExitCode, Output: inv.Output, Err: err}
		inv.Err = cerr
		r.Log.Error("sdm failed", "command", command, "exit_code", inv.ExitCode, "error", err)
		r.observe(inv)
		return cerr
	}

	r.Log.Debug("sdm finished", "command", command, "duration", inv.Finished.Sub(inv.Started))
	r.observe(inv)
	return nil
}

func (r *Runner) observe(inv Invocation) {
	if r.Observe != nil {
		r.Observe(inv)
	}
}

// LookupBinary resolves the SDM executable: preferred first (a path or a
// name on PATH), then each fallback name.
func LookupBinary(preferred string, fallbacks ...string) (string, error) {
	candidates := append([]string{preferred}, fallbacks...)
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrToolNotFound, strings.Join(candidates, ", "))
}
