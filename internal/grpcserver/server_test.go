package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"sdmkit/internal/pipeline"
	"sdmkit/internal/storage"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	results chan pipeline.Result
}

func (f *fakeQueue) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) Subscribe() (<-chan pipeline.Result, func()) {
	return f.results, func() {}
}

func newTestConn(t *testing.T, queue jobQueue, store *storage.Store) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(queue, store, slog.Default())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Serve(ctx, lis); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHealthReportsJobsServing(t *testing.T) {
	conn := newTestConn(t, &fakeQueue{}, nil)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: JobsService})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}
}

func TestSubmitQueuesJob(t *testing.T) {
	queue := &fakeQueue{}
	conn := newTestConn(t, queue, nil)

	in := mustStruct(t, map[string]any{
		"id":      "g-1",
		"type":    "metareg",
		"input":   "/data/analysis",
		"options": map[string]any{"analysis": "MDD", "columns": "Age"},
	})
	out := new(structpb.Struct)
	if err := conn.Invoke(context.Background(), SubmitMethod, in, out); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := out.GetFields()["id"].GetStringValue(); got != "g-1" {
		t.Fatalf("reply id = %q", got)
	}

	want := []pipeline.Job{{
		ID:        "g-1",
		Type:      pipeline.JobMetaReg,
		InputPath: "/data/analysis",
		Options:   map[string]any{"analysis": "MDD", "columns": "Age"},
	}}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if diff := cmp.Diff(want, queue.jobs); diff != "" {
		t.Fatalf("queued jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	conn := newTestConn(t, &fakeQueue{}, nil)
	for _, m := range []map[string]any{
		{"type": "stitch", "input": "/x"},
		{"type": "metareg"},
	} {
		err := conn.Invoke(context.Background(), SubmitMethod, mustStruct(t, m), new(structpb.Struct))
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("%v: code %v, want InvalidArgument", m, status.Code(err))
		}
	}
}

func TestGetReadsLedger(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "sdmkit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.RecordJobQueued(storage.JobRecord{ID: "g-2", JobType: "check", Status: "queued", InputPath: "/data"}); err != nil {
		t.Fatal(err)
	}
	conn := newTestConn(t, &fakeQueue{}, store)

	out := new(structpb.Struct)
	if err := conn.Invoke(context.Background(), GetMethod, mustStruct(t, map[string]any{"id": "g-2"}), out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	job := out.GetFields()["job"].GetStructValue().GetFields()
	if job["status"].GetStringValue() != "queued" || job["job_type"].GetStringValue() != "check" {
		t.Fatalf("unexpected job %v", job)
	}

	err = conn.Invoke(context.Background(), GetMethod, mustStruct(t, map[string]any{"id": "missing"}), new(structpb.Struct))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("missing job: code %v, want NotFound", status.Code(err))
	}
}

func TestWatchStreamsResults(t *testing.T) {
	queue := &fakeQueue{results: make(chan pipeline.Result, 1)}
	conn := newTestConn(t, queue, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &JobsServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.SendMsg(mustStruct(t, nil)); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	queue.results <- pipeline.Result{
		Job:  pipeline.Job{ID: "g-3", Type: pipeline.JobCheck, InputPath: "/data"},
		Meta: map[string]any{"new": 2},
	}
	ev := new(structpb.Struct)
	if err := stream.RecvMsg(ev); err != nil {
		t.Fatal(err)
	}
	got := ev.AsMap()
	if id := got["job"].(map[string]any)["id"]; id != "g-3" {
		t.Fatalf("job id = %v", id)
	}
	if n := got["meta"].(map[string]any)["new"]; n != 2.0 {
		t.Fatalf("meta new = %v", n)
	}
}
