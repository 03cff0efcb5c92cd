// Package grpcserver exposes the job queue over gRPC beside the HTTP API.
//
// Messages are google.protobuf.Struct values carrying the same JSON shapes
// the HTTP API uses, so clients need no generated stubs. The standard
// grpc.health.v1 service reports whether the job service is serving.
package grpcserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"sdmkit/internal/pipeline"
	"sdmkit/internal/storage"
)

// JobsService is the registered name of the job service.
const JobsService = "sdmkit.v1.Jobs"

// Full method names, as clients pass them to grpc.ClientConn.Invoke.
const (
	SubmitMethod = "/" + JobsService + "/Submit"
	GetMethod    = "/" + JobsService + "/Get"
	WatchMethod  = "/" + JobsService + "/Watch"
)

type jobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server serves job submission, lookup and result streaming.
type Server struct {
	queue  jobQueue
	store  *storage.Store
	health *health.Server
	grpc   *grpc.Server
	log    *slog.Logger
}

// New registers the job and health services on a fresh grpc.Server.
func New(queue jobQueue, store *storage.Store, log *slog.Logger) *Server {
	s := &Server{
		queue:  queue,
		store:  store,
		health: health.NewServer(),
		log:    log,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	s.grpc.RegisterService(&JobsServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(JobsService, healthpb.HealthCheckResponse_SERVING)
	return s
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled. Health checks
// report NOT_SERVING while in-flight calls drain.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down grpc server")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc call", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

// Submit queues the job in req, which has the HTTP API's job shape.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var job pipeline.Job
	if err := fromStruct(req, &job); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid job: %v", err)
	}
	if err := job.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.queue.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(job)
}

// Get returns the ledger row and result metadata of the job named by req's
// "id" field.
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	case errors.Is(err, storage.ErrNoStore):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	meta, _ := s.store.JobMeta(id)
	return toStruct(map[string]any{"job": rec, "meta": meta})
}

// Watch streams every pipeline result until the client goes away.
func (s *Server) Watch(_ *structpb.Struct, stream grpc.ServerStream) error {
	results, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case res, ok := <-results:
			if !ok {
				return nil
			}
			ev := map[string]any{"job": res.Job, "meta": res.Meta}
			if res.Error != nil {
				ev["error"] = res.Error.Error()
			}
			msg, err := toStruct(ev)
			if err != nil {
				s.log.Warn("dropping unencodable result", "job_id", res.Job.ID, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	b, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
