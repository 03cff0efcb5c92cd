package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sdmkit.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "check", Status: "queued", InputPath: "/data/ma"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"findings": 3}, ""); err != nil {
		t.Fatal(err)
	}

	job, err := s.Job("j1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status != "completed" || job.InputPath != "/data/ma" || job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}
	recent, err := s.RecentJobs(10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentJobs = %v, %v", recent, err)
	}
	meta, err := s.JobMeta("j1")
	if err != nil {
		t.Fatal(err)
	}
	if meta["findings"] != float64(3) {
		t.Fatalf("meta %v", meta)
	}
}

func TestFindingsAndInvocations(t *testing.T) {
	s := openStore(t)
	rows := []FindingRecord{
		{JobID: "j1", Name: "MDD_JK_A", Sign: "positive", Source: "baseline", Cluster: 1, Voxels: 40, Peak: [3]int{2, -4, 6}, PeakValue: 4.5, OverlapVoxels: 40, OverlapFraction: 1, Status: "retained"},
		{JobID: "j1", Name: "MDD_JK_A", Sign: "positive", Source: "baseline", Cluster: 2, Voxels: 12, Peak: [3]int{-38, 12, -20}, PeakValue: 3.1, Status: "missing"},
		{JobID: "j2", Name: "other", Status: "new"},
	}
	if err := s.RecordFindings(rows); err != nil {
		t.Fatalf("RecordFindings: %v", err)
	}

	got, err := s.Findings("j1", "")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rows[:2], got); diff != "" {
		t.Fatalf("findings mismatch (-want +got):\n%s", diff)
	}
	missing, err := s.Findings("j1", "missing")
	if err != nil || len(missing) != 1 || missing[0].Cluster != 2 {
		t.Fatalf("filtered findings = %+v, %v", missing, err)
	}

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	inv := InvocationRecord{JobID: "j1", Command: "threshold MDD_mean_z, p, 0.005, 1, 10", WorkDir: "/data/ma", ExitCode: 0, StartedAt: start, FinishedAt: start.Add(time.Minute)}
	if err := s.RecordInvocation(inv); err != nil {
		t.Fatal(err)
	}
	invs, err := s.Invocations("j1")
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 || invs[0].Command != inv.Command || !invs[0].FinishedAt.Equal(inv.FinishedAt) {
		t.Fatalf("invocations %+v", invs)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordFindings([]FindingRecord{{JobID: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentJobs(1); !errors.Is(err, ErrNoStore) {
		t.Fatalf("RecentJobs on nil store = %v, want ErrNoStore", err)
	}
}

func TestJobMetaBeforeCompletion(t *testing.T) {
	s := openStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "threshold", Status: "queued"}); err != nil {
		t.Fatal(err)
	}
	meta, err := s.JobMeta("j1")
	if err != nil || meta != nil {
		t.Fatalf("JobMeta = %v, %v; want nil, nil", meta, err)
	}
	if _, err := s.JobMeta("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("JobMeta(missing) = %v, want sql.ErrNoRows", err)
	}
}
