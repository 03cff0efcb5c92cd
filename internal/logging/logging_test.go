package logging

import (
	"bytes"
	"errors"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sdmkit/internal/config"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h).With("job", "j1")

	logger.Debug("hidden")
	logger.Info("thresholded", "voxels", 12)

	got := strings.TrimSpace(buf.String())
	if got != "[INFO] thresholded [job=j1 voxels=12]" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestSetupWritesDailyFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Level = "debug"

	var console bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := SetupWriter(cfg, &console)
	if err != nil {
		t.Fatalf("SetupWriter: %v", err)
	}
	logger.Info("hello", "k", "v")

	matches, _ := filepath.Glob(filepath.Join(cfg.Logging.LogDir, "sdmkit-*.log"))
	var daily string
	for _, m := range matches {
		if !strings.HasSuffix(m, "sdmkit-current.log") {
			daily = m
		}
	}
	if daily == "" {
		t.Fatalf("no daily log file in %v", matches)
	}
	data, err := os.ReadFile(daily)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[INFO] hello [k=v]") || !strings.Contains(console.String(), "hello") {
		t.Fatalf("log line missing; file=%q console=%q", data, console.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, "info", "json")).Info("done", "n", 1)
	if !strings.Contains(buf.String(), `"msg":"done"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestLogProcessingStep(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "info", "json"))
	LogProcessingStep(logger, "ma-1", "jackknife", "completed", nil)
	for _, want := range []string{`"job_id":"ma-1"`, `"step":"jackknife"`, `"status":"completed"`} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %s in %q", want, buf.String())
		}
	}
}

func TestTraditionalHandlerFlattensGroups(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelDebug}
	slog.New(h).WithGroup("sdm").Info("ran", slog.Group("cmd", "name", "threshold"), "args", "a b")

	got := strings.TrimSpace(buf.String())
	if got != `[INFO] ran [sdm.cmd.name=threshold sdm.args="a b"]` {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestLogJobFinish(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h)
	job := Job{Type: "threshold", ID: "t-1", Input: "in", Output: "out"}

	LogJobFinish(logger, job, 1500*time.Millisecond, nil, nil)
	LogJobFinish(logger, job, time.Second, nil, errors.New("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "[INFO] job completed [job.type=threshold job.id=t-1") || !strings.Contains(lines[0], "took=1.5s") {
		t.Fatalf("unexpected completion line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[ERROR] job failed") || !strings.Contains(lines[1], "error=boom") {
		t.Fatalf("unexpected failure line %q", lines[1])
	}
}
