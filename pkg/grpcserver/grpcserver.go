// Package grpcserver implements the BatchPIR gRPC service.
//
// It delegates all business logic to internal/service.PIRService, translating
// between wire messages and service-layer types.
package grpcserver

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/opaque/batchpir/api/batchpirv1"
	"github.com/opaque/batchpir/internal/service"
	"github.com/opaque/batchpir/internal/session"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/pir"
)

// Server implements the BatchPIRServer gRPC interface.
type Server struct {
	pb.UnimplementedBatchPIRServer
	svc *service.PIRService
}

// New creates a new gRPC server backed by the given PIRService.
func New(svc *service.PIRService) *Server {
	return &Server{svc: svc}
}

func (s *Server) GetParams(ctx context.Context, _ *pb.GetParamsRequest) (*pb.GetParamsResponse, error) {
	return &pb.GetParamsResponse{Params: s.svc.GetParams(ctx)}, nil
}

func (s *Server) GetHashMap(ctx context.Context, _ *pb.GetHashMapRequest) (*pb.GetHashMapResponse, error) {
	hm, digest := s.svc.GetHashMap(ctx)
	return &pb.GetHashMapResponse{HashMap: hm, Digest: digest}, nil
}

func (s *Server) RegisterKeys(ctx context.Context, req *pb.RegisterKeysRequest) (*pb.RegisterKeysResponse, error) {
	if len(req.EvaluationKeys) == 0 {
		return nil, status.Error(codes.InvalidArgument, "evaluation_keys is required")
	}
	if len(req.HashMapDigest) == 0 {
		return nil, status.Error(codes.InvalidArgument, "hash_map_digest is required")
	}

	sessionID, ttl, err := s.svc.RegisterKeys(ctx, req.ClientId, req.EvaluationKeys, req.HashMapDigest, req.SessionTtlSeconds)
	if err != nil {
		return nil, mapError(err)
	}

	return &pb.RegisterKeysResponse{
		SessionId:         sessionID,
		SessionTtlSeconds: ttl,
	}, nil
}

func (s *Server) GenerateResponse(ctx context.Context, req *pb.GenerateResponseRequest) (*pb.GenerateResponseResponse, error) {
	if req.SessionId == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if len(req.Request) == 0 {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	reply, err := s.svc.GenerateResponse(ctx, req.SessionId, req.Request)
	if err != nil {
		return nil, mapError(err)
	}
	return &pb.GenerateResponseResponse{Reply: reply}, nil
}

func (s *Server) HealthCheck(ctx context.Context, _ *pb.HealthCheckRequest) (*pb.HealthCheckResponse, error) {
	h := s.svc.HealthCheck(ctx)

	st := pb.HealthCheckResponse_NOT_SERVING
	if h.Healthy {
		st = pb.HealthCheckResponse_SERVING
	}

	return &pb.HealthCheckResponse{
		Status:           st,
		Message:          h.Status,
		ActiveSessions:   h.ActiveSessions,
		EntryCount:       h.Entries,
		BatchesPerMinute: h.BatchesInWindow,
	}, nil
}

// mapError translates service-layer errors to gRPC status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, service.ErrInvalidSession),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired):
		return status.Errorf(codes.Unauthenticated, "%v", err)
	case errors.Is(err, batch.ErrBucketMismatch):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidKeys),
		errors.Is(err, crypto.ErrMissingKey),
		errors.Is(err, pir.ErrMalformedQuery):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

// MaxMessageSize bounds gRPC messages; evaluation keys and replies run to
// tens of megabytes.
const MaxMessageSize = 1 << 30

// NewGRPCServer returns a gRPC server with the BatchPIR service registered
// behind the recovery and logging interceptors.
func NewGRPCServer(svc *service.PIRService, log logrus.FieldLogger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(log),
			LoggingUnaryInterceptor(log),
		),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}, opts...)
	gs := grpc.NewServer(opts...)
	pb.RegisterBatchPIRServer(gs, New(svc))
	return gs
}
