// Package grpcserver exposes the run pipeline over gRPC.
//
// RunService carries JSON messages (content subtype "json") and delegates
// to the pipeline; the standard grpc.health.v1 service reports whether the
// backing stores answer.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"filly/run-service/internal/model"
	"filly/run-service/internal/pipeline"
)

// ServiceName is the fully qualified RunService name.
const ServiceName = "filly.run.v1.RunService"

// Service is the pipeline surface served over gRPC.
type Service interface {
	Start(ctx context.Context, req pipeline.StartRequest) (model.Job, bool, error)
	Status(ctx context.Context, jobID string) (pipeline.JobView, error)
	Resume(ctx context.Context, jobID string) (model.Job, error)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// StartJobResponse reports the Job and whether it was created.
type StartJobResponse struct {
	Job     model.Job `json:"job"`
	Created bool      `json:"created"`
}

// JobRequest names a Job.
type JobRequest struct {
	JobID string `json:"jobId"`
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Server implements RunService.
type Server struct {
	svc Service
}

// NewServer constructs a Server backed by svc.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// StartJob creates a Job or returns the Target's active one.
func (s *Server) StartJob(ctx context.Context, req *pipeline.StartRequest) (*StartJobResponse, error) {
	job, created, err := s.svc.Start(ctx, *req)
	if err != nil {
		return nil, toGRPCError(ctx, err)
	}
	return &StartJobResponse{Job: job, Created: created}, nil
}

// GetJob returns a Job and its item counts.
func (s *Server) GetJob(ctx context.Context, req *JobRequest) (*pipeline.JobView, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	view, err := s.svc.Status(ctx, req.JobID)
	if err != nil {
		return nil, toGRPCError(ctx, err)
	}
	return &view, nil
}

// ResumeJob re-triggers a stalled Job.
func (s *Server) ResumeJob(ctx context.Context, req *JobRequest) (*model.Job, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	job, err := s.svc.Resume(ctx, req.JobID)
	if err != nil {
		return nil, toGRPCError(ctx, err)
	}
	return &job, nil
}

// ─── Registration ─────────────────────────────────────────────────────────────

// RunServiceServer is the server API for RunService.
type RunServiceServer interface {
	StartJob(ctx context.Context, req *pipeline.StartRequest) (*StartJobResponse, error)
	GetJob(ctx context.Context, req *JobRequest) (*pipeline.JobView, error)
	ResumeJob(ctx context.Context, req *JobRequest) (*model.Job, error)
}

func unary[Req, Resp any](call func(*Server, context.Context, *Req) (*Resp, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			if icpt == nil {
				return call(srv.(*Server), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return icpt(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(*Server), ctx, r.(*Req))
			})
		},
	}
}

// ServiceDesc describes RunService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary((*Server).StartJob, "StartJob"),
		unary((*Server).GetJob, "GetJob"),
		unary((*Server).ResumeJob, "ResumeJob"),
	},
}

// New returns a grpc.Server with RunService and health registered.
func New(svc Service, hs *health.Server) *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls))
	gs.RegisterService(&ServiceDesc, NewServer(svc))
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// WatchHealth marks hs SERVING while every check succeeds, re-checking
// every interval until ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, interval time.Duration, checks ...func(context.Context) error) {
	check := func() {
		st := healthpb.HealthCheckResponse_SERVING
		for _, check := range checks {
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := check(pctx)
			cancel()
			if err != nil {
				slog.Warn("health check failed", "err", err)
				st = healthpb.HealthCheckResponse_NOT_SERVING
				break
			}
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// logCalls logs failed RPCs with the caller's request id when one is sent.
func logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Warn("rpc failed", "method", info.FullMethod, "request_id", requestID(ctx),
			"code", status.Code(err).String(), "duration", time.Since(start), "err", err)
	}
	return resp, err
}

// requestID extracts the x-request-id value forwarded by callers via gRPC metadata.
func requestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("x-request-id"); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// toGRPCError maps domain errors to gRPC status errors.
func toGRPCError(ctx context.Context, err error) error {
	if errors.Is(err, pipeline.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		return status.Error(codes.InvalidArgument, ve.Msg)
	}
	if ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}
	return status.Error(codes.Internal, "internal server error")
}
