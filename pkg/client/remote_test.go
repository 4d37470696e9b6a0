package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"gotest.tools/v3/assert"

	"github.com/opaque/batchpir/internal/service"
	"github.com/opaque/batchpir/internal/store"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/grpcserver"
)

func startServer(t *testing.T, st store.EntryStore) (*service.PIRService, RemoteClientConfig) {
	t.Helper()
	ctx := context.Background()

	cfg := service.DefaultConfig()
	cfg.Batch = batch.Params{BatchSize: 6, FirstDim: 2, Preset: crypto.PresetTest, Workers: 4}
	svc, err := service.NewPIRService(ctx, cfg, st)
	if err != nil {
		t.Fatalf("failed to create PIR service: %v", err)
	}
	t.Cleanup(svc.Close)

	lis := bufconn.Listen(1 << 20)
	gs := grpcserver.NewGRPCServer(svc, logrus.New())
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	rc := DefaultRemoteClientConfig()
	rc.Address = "passthrough:///bufnet"
	rc.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return svc, rc
}

func TestDefaultRemoteClientConfig(t *testing.T) {
	cfg := DefaultRemoteClientConfig()
	assert.Equal(t, cfg.Address, "localhost:50051")
	assert.Equal(t, cfg.SessionTTL, time.Hour)
	assert.Check(t, cfg.CallTimeout > 0)
}

func TestRemoteRetrieve(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(24)
	assert.NilError(t, store.FillRandom(ctx, st, 1500, 8))
	svc, cfg := startServer(t, st)

	c, err := Dial(ctx, cfg)
	assert.NilError(t, err)
	defer c.Close()

	assert.Equal(t, c.Params().NumEntries, 1500)
	assert.Equal(t, svc.GetSessionCount(), 1)

	indices := []uint64{1499, 3, 700, 3, 0}
	got, err := c.Retrieve(ctx, indices)
	assert.NilError(t, err)
	want, err := st.Get(ctx, indices)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)

	got, err = c.Retrieve(ctx, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 0)
}

func TestRemoteRetrieveReRegisters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(8)
	assert.NilError(t, store.FillRandom(ctx, st, 400, 9))
	svc, cfg := startServer(t, st)

	c, err := Dial(ctx, cfg)
	assert.NilError(t, err)
	defer c.Close()

	first := c.SessionID()
	c.sessionID = "expired"

	got, err := c.Retrieve(ctx, []uint64{42})
	assert.NilError(t, err)
	want, _ := st.Get(ctx, []uint64{42})
	assert.DeepEqual(t, got, want)
	assert.Check(t, c.SessionID() != first && c.SessionID() != "expired")
	// The new registration replaces the client's old session.
	assert.Equal(t, svc.GetSessionCount(), 1)
}

func TestRemoteValidator(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(8)
	assert.NilError(t, store.FillRandom(ctx, st, 100, 10))
	_, cfg := startServer(t, st)

	cfg.Validator = func(index uint64, entry []byte) error {
		return batch.ErrDecodeIntegrity
	}
	c, err := Dial(ctx, cfg)
	assert.NilError(t, err)
	defer c.Close()

	_, err = c.Retrieve(ctx, []uint64{1})
	assert.ErrorIs(t, err, batch.ErrDecodeIntegrity)
}
