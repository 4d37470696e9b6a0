package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"gotest.tools/v3/assert"

	pb "github.com/opaque/batchpir/api/batchpirv1"
	"github.com/opaque/batchpir/internal/service"
	"github.com/opaque/batchpir/internal/session"
	"github.com/opaque/batchpir/internal/store"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
)

func setupTestService(t *testing.T, numEntries int) *service.PIRService {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore(16)
	if err := store.FillRandom(ctx, st, numEntries, 42); err != nil {
		t.Fatalf("failed to fill store: %v", err)
	}

	cfg := service.DefaultConfig()
	cfg.Batch = batch.Params{BatchSize: 4, FirstDim: 2, Preset: crypto.PresetTest, Workers: 2}
	svc, err := service.NewPIRService(ctx, cfg, st)
	if err != nil {
		t.Fatalf("failed to create PIR service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil error", want)
	}
	if s, ok := status.FromError(err); !ok || s.Code() != want {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestGetParamsAndHashMap(t *testing.T) {
	srv := New(setupTestService(t, 500))
	ctx := context.Background()

	pr, err := srv.GetParams(ctx, &pb.GetParamsRequest{})
	assert.NilError(t, err)
	p, err := batch.UnmarshalParams(pr.Params)
	assert.NilError(t, err)
	assert.Equal(t, p.NumEntries, 500)
	assert.Equal(t, p.EntrySize, 16)

	hr, err := srv.GetHashMap(ctx, &pb.GetHashMapRequest{})
	assert.NilError(t, err)
	assert.Check(t, len(hr.HashMap) > 0)
	assert.Equal(t, len(hr.Digest), 32)
}

func TestRegisterKeys_Validation(t *testing.T) {
	srv := New(setupTestService(t, 200))
	ctx := context.Background()

	_, err := srv.RegisterKeys(ctx, &pb.RegisterKeysRequest{HashMapDigest: []byte{1}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = srv.RegisterKeys(ctx, &pb.RegisterKeysRequest{EvaluationKeys: []byte{1}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = srv.RegisterKeys(ctx, &pb.RegisterKeysRequest{
		EvaluationKeys: []byte{1},
		HashMapDigest:  make([]byte, 32),
	})
	requireCode(t, err, codes.FailedPrecondition)

	hr, _ := srv.GetHashMap(ctx, &pb.GetHashMapRequest{})
	_, err = srv.RegisterKeys(ctx, &pb.RegisterKeysRequest{
		EvaluationKeys: []byte("garbage"),
		HashMapDigest:  hr.Digest,
	})
	requireCode(t, err, codes.InvalidArgument)
}

func TestGenerateResponse_Validation(t *testing.T) {
	srv := New(setupTestService(t, 200))
	ctx := context.Background()

	_, err := srv.GenerateResponse(ctx, &pb.GenerateResponseRequest{Request: []byte{1}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = srv.GenerateResponse(ctx, &pb.GenerateResponseRequest{SessionId: "abc"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = srv.GenerateResponse(ctx, &pb.GenerateResponseRequest{SessionId: "bad-session-id", Request: []byte{1}})
	requireCode(t, err, codes.Unauthenticated)
}

func TestHealthCheck(t *testing.T) {
	srv := New(setupTestService(t, 50))

	resp, err := srv.HealthCheck(context.Background(), &pb.HealthCheckRequest{})
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, pb.HealthCheckResponse_SERVING)
	assert.Equal(t, resp.EntryCount, int64(50))
	assert.Equal(t, resp.Message, "healthy")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: x", service.ErrInvalidSession), codes.Unauthenticated},
		{session.ErrSessionExpired, codes.Unauthenticated},
		{fmt.Errorf("wrap: %w", batch.ErrBucketMismatch), codes.FailedPrecondition},
		{service.ErrInvalidRequest, codes.InvalidArgument},
		{crypto.ErrMissingKey, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			requireCode(t, mapError(tt.err), tt.want)
		})
	}
	assert.NilError(t, mapError(nil))
}

func TestRecoveryInterceptor(t *testing.T) {
	ic := RecoveryUnaryInterceptor(logrus.New())
	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/test/Panic"},
		func(context.Context, any) (any, error) { panic("boom") })
	requireCode(t, err, codes.Internal)
}

func TestOverBufconn(t *testing.T) {
	svc := setupTestService(t, 300)
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(svc, logrus.New())
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	assert.NilError(t, err)
	defer conn.Close()
	client := pb.NewBatchPIRClient(conn)

	resp, err := client.HealthCheck(context.Background(), &pb.HealthCheckRequest{})
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, pb.HealthCheckResponse_SERVING)
	assert.Equal(t, resp.EntryCount, int64(300))

	_, err = client.GenerateResponse(context.Background(), &pb.GenerateResponseRequest{SessionId: "nope", Request: []byte{1}})
	requireCode(t, err, codes.Unauthenticated)
}

func TestPayloadSize(t *testing.T) {
	assert.Equal(t, payloadSize(&pb.GenerateResponseRequest{Request: make([]byte, 3000)}), 3000)
	assert.Equal(t, payloadSize(&pb.GenerateResponseResponse{Reply: make([]byte, 10)}), 10)
	assert.Equal(t, payloadSize(&pb.HealthCheckRequest{}), 0)
	assert.Equal(t, payloadSize(nil), 0)
}
