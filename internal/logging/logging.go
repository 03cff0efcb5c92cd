package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sdmkit/internal/config"
)

const (
	logPrefix  = "sdmkit"
	dayLayout  = "2006-01-02"
	currentLog = logPrefix + "-current.log"
)

// New returns a slog.Logger writing to stdout at level (debug, info, warn,
// error) in format "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format))
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	lvl := parseLevel(level)
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: lvl}
}

// Setup installs the configured logger as the slog default, writing to stdout.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	return SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with console output sent to out. With file output
// enabled, records are also appended to a per-day file under the log dir.
func SetupWriter(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	w := out
	if cfg.Logging.FileOutput {
		daily, err := openDailyLog(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(out, daily)
	}

	logger := slog.New(newHandler(w, cfg.Logging.Level, cfg.Logging.Format))
	slog.SetDefault(logger)
	logger.Debug("logging ready",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openDailyLog opens dir/sdmkit-<day>.log for appending and points
// sdmkit-current.log at it.
func openDailyLog(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s-%s.log", logPrefix, day.Format(dayLayout))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	link := filepath.Join(dir, currentLog)
	_ = os.Remove(link)
	_ = os.Symlink(name, link)
	return f, nil
}

// TraditionalHandler writes "[LEVEL] message [k=v ...]" lines through a
// standard library logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendAttr(fields, h.group, a)
		return true
	})

	line := "[" + strings.ToUpper(r.Level.String()) + "] " + r.Message
	if len(fields) > 0 {
		line += " [" + strings.Join(fields, " ") + "]"
	}
	h.logger.Print(line)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		nh.attrs = appendAttr(nh.attrs, h.group, a)
	}
	return &nh
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.group = joinKey(h.group, name)
	return &nh
}

// appendAttr flattens a (possibly grouped) attribute into key=value fields.
func appendAttr(fields []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fields
	}
	if a.Value.Kind() == slog.KindGroup {
		prefix := group
		if a.Key != "" {
			prefix = joinKey(group, a.Key)
		}
		for _, ga := range a.Value.Group() {
			fields = appendAttr(fields, prefix, ga)
		}
		return fields
	}
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\n\"") {
		v = strconv.Quote(v)
	}
	return append(fields, joinKey(group, a.Key)+"="+v)
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Job identifies a queued job in log records.
type Job struct {
	Type   string
	ID     string
	Input  string
	Output string
}

func (j Job) group() slog.Attr {
	return slog.Group("job",
		slog.String("type", j.Type),
		slog.String("id", j.ID),
		slog.String("input", j.Input),
		slog.String("output", j.Output),
	)
}

// LogJobStart logs a worker picking up a job.
func LogJobStart(logger *slog.Logger, job Job, options map[string]any) {
	logger.Info("job started", job.group(), "options", options)
}

// LogJobFinish logs a job's outcome; a non-nil err is logged at error level
// with the job's options for reproduction.
func LogJobFinish(logger *slog.Logger, job Job, took time.Duration, meta map[string]any, err error) {
	if err != nil {
		logger.Error("job failed", job.group(),
			"took", took.Round(time.Millisecond),
			"error", err,
			"meta", meta,
		)
		return
	}
	logger.Info("job completed", job.group(),
		"took", took.Round(time.Millisecond),
		"meta", meta,
	)
}

// LogToolStatus logs the lookup result for one SDM candidate binary.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if !available {
		logger.Debug("sdm candidate unavailable", "tool", tool, "error", err)
		return
	}
	logger.Debug("sdm candidate found", "tool", tool, "version", version, "path", path)
}

// LogSDMCommand logs one finished SDM invocation; non-zero exits log at
// error level.
func LogSDMCommand(logger *slog.Logger, jobID, command string, exitCode int, took time.Duration) {
	level := slog.LevelInfo
	if exitCode != 0 {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "sdm command finished",
		"job_id", jobID,
		"command", command,
		"exit_code", exitCode,
		"took", took.Round(time.Millisecond),
	)
}

// LogProcessingStep logs one stage of a multi-step job.
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}
