package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sdmkit/internal/config"
	"sdmkit/internal/nifti"
	"sdmkit/internal/sdm"
	"sdmkit/internal/storage"
	"sdmkit/internal/tasks"
)

type stubExecutor struct {
	mu       sync.Mutex
	dirs     []string
	commands []string
}

func (s *stubExecutor) factory(job Job, dir string) (sdm.Executor, error) {
	s.mu.Lock()
	s.dirs = append(s.dirs, dir)
	s.mu.Unlock()
	return s, nil
}

func (s *stubExecutor) Run(_ context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "sdmkit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeLine(t *testing.T, path string, voxels map[int]float64) {
	t.Helper()
	img := &nifti.Image{Dims: [3]int{10, 1, 1}, Data: make([]float64, 10)}
	for i, v := range voxels {
		img.Data[i] = v
	}
	if err := nifti.Write(path, img, nifti.DTFloat32); err != nil {
		t.Fatal(err)
	}
}

func TestRouterMetaRegUsesOptionsAndConfig(t *testing.T) {
	stub := &stubExecutor{}
	r := &router{log: slog.Default(), cfg: config.Default(), newExecutor: stub.factory}

	dir := t.TempDir()
	res := r.Process(context.Background(), Job{
		ID:        "mr-1",
		Type:      JobMetaReg,
		InputPath: dir,
		Options: map[string]any{
			"analysis": "MDD",
			"columns":  []any{"Age", "HAMD17"},
			"filter":   "CombinedGroups",
		},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := []string{
		"MDD_Age = lm Age, CombinedGroups",
		"threshold MDD_Age_1m0_z, p, 0.0005, 1, 10",
		"MDD_HAMD17 = lm HAMD17, CombinedGroups",
		"threshold MDD_HAMD17_1m0_z, p, 0.0005, 1, 10",
	}
	if diff := cmp.Diff(want, stub.commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if len(stub.dirs) != 1 || stub.dirs[0] != dir {
		t.Fatalf("executor not bound to analysis dir: %v", stub.dirs)
	}
}

func TestRouterThresholdResultOverridesP(t *testing.T) {
	stub := &stubExecutor{}
	r := &router{log: slog.Default(), cfg: config.Default(), newExecutor: stub.factory}

	res := r.Process(context.Background(), Job{
		ID:        "th-1",
		Type:      JobThreshold,
		InputPath: t.TempDir(),
		Options:   map[string]any{"result": "MDD_mean_z", "p": 0.001},
	})
	if res.Error != nil {
		t.Fatal(res.Error)
	}
	if diff := cmp.Diff([]string{"threshold MDD_mean_z, p, 0.001, 1, 10"}, stub.commands); diff != "" {
		t.Fatalf("commands mismatch:\n%s", diff)
	}
}

func TestRouterCheckRecordsFindings(t *testing.T) {
	store := newTestStore(t)
	r := &router{log: slog.Default(), store: store, cfg: config.Default()}

	dir := t.TempDir()
	base := filepath.Join(dir, "MDD_mean_z_p_0.00500_1.000_10.nii.gz")
	writeLine(t, base, map[int]float64{1: 2, 2: 3, 6: 1})
	writeLine(t, filepath.Join(dir, "MDD_JK_A_z_p_0.00500_1.000_10.nii.gz"), map[int]float64{2: 3})

	res := r.Process(context.Background(), Job{
		ID:        "chk-1",
		Type:      JobCheck,
		InputPath: dir,
		Output:    filepath.Join(dir, "check.csv"),
		Options:   map[string]any{"baseline": base},
	})
	if res.Error != nil {
		t.Fatalf("check failed: %v", res.Error)
	}
	if res.Meta["findings"] != 2 {
		t.Fatalf("meta %v", res.Meta)
	}
	rows, err := store.Findings("chk-1", tasks.StatusMissing)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Peak != [3]int{6, 0, 0} {
		t.Fatalf("missing rows %+v", rows)
	}
}

func TestRouterRejectsUnknownCheckMode(t *testing.T) {
	r := &router{log: slog.Default(), cfg: config.Default()}
	res := r.Process(context.Background(), Job{Type: JobCheck, InputPath: t.TempDir(), Options: map[string]any{"mode": "sideways"}})
	if res.Error == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := &router{log: slog.Default(), cfg: config.Default()}
	if res := r.Process(context.Background(), Job{Type: "stitch"}); res.Error == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestPipelineRunsJobAndBroadcasts(t *testing.T) {
	store := newTestStore(t)
	stub := &stubExecutor{}
	p := New(context.Background(), 1, slog.Default(), store, config.Default(), stub.factory)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	job := Job{ID: "job-1", Type: JobMetaReg, InputPath: t.TempDir(), Options: map[string]any{"analysis": "MDD", "columns": []string{"Age"}}}
	if err := p.Submit(job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-results:
		if res.Job.ID != "job-1" || res.Error != nil {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no result broadcast")
	}

	rec, err := store.Job("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "completed" {
		t.Fatalf("status %q", rec.Status)
	}
}

func TestGetStringsOption(t *testing.T) {
	opts := map[string]any{"a": []any{"x", 1, "y"}, "b": "p,q", "c": []string{"z"}}
	if diff := cmp.Diff([]string{"x", "y"}, getStringsOption(opts, "a")); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]string{"p", "q"}, getStringsOption(opts, "b")); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]string{"z"}, getStringsOption(opts, "c")); diff != "" {
		t.Fatal(diff)
	}
	if getStringsOption(opts, "missing") != nil {
		t.Fatalf("expected nil")
	}
}

func TestSDMExecutorFactoryRejectsBadTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.SDM.Binary = "sh"
	cfg.SDM.Timeout = "soon"
	factory := SDMExecutorFactory(cfg, slog.Default(), nil)
	if _, err := factory(Job{ID: "j1"}, t.TempDir()); err == nil || !strings.Contains(err.Error(), "sdm.timeout") {
		t.Fatalf("expected sdm.timeout error, got %v", err)
	}

	cfg.SDM.Timeout = "90m"
	ex, err := factory(Job{ID: "j2"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if r := ex.(*sdm.Runner); r.Timeout != 90*time.Minute {
		t.Fatalf("timeout = %v, want 90m", r.Timeout)
	}
}
