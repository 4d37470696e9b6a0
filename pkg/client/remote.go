// Package client retrieves entries from a remote BatchPIR server.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	pb "github.com/opaque/batchpir/api/batchpirv1"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/cuckoo"
)

// MaxMessageSize bounds gRPC messages; evaluation keys and replies run to
// tens of megabytes.
const MaxMessageSize = 1 << 30

// RemoteClientConfig holds configuration for the remote client.
type RemoteClientConfig struct {
	Address     string
	// ClientID names the client to the server, which keeps one session per
	// ID. Empty picks a random ID.
	ClientID    string
	SessionTTL  time.Duration
	CallTimeout time.Duration

	// DialOptions replace the default insecure transport when set.
	DialOptions []grpc.DialOption

	Validator batch.Validator
}

// DefaultRemoteClientConfig returns sensible defaults.
func DefaultRemoteClientConfig() RemoteClientConfig {
	return RemoteClientConfig{
		Address:     "localhost:50051",
		SessionTTL:  time.Hour,
		CallTimeout: 5 * time.Minute,
	}
}

// RemoteClient keeps one registered session with a server and retrieves
// batches of entries over it.
type RemoteClient struct {
	cfg  RemoteClientConfig
	conn *grpc.ClientConn
	rpc  pb.BatchPIRClient

	batch     *batch.Client
	sessionID string
	log       *logrus.Entry

	mu sync.Mutex
}

// Dial connects to cfg.Address and sets up a session.
func Dial(ctx context.Context, cfg RemoteClientConfig) (*RemoteClient, error) {
	opts := cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(MaxMessageSize),
		grpc.MaxCallSendMsgSize(MaxMessageSize),
	))

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
	}
	c, err := NewRemoteClient(ctx, pb.NewBatchPIRClient(conn), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// NewRemoteClient fetches the server parameters and hash map over rpc,
// generates keys and registers them.
func NewRemoteClient(ctx context.Context, rpc pb.BatchPIRClient, cfg RemoteClientConfig) (*RemoteClient, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultRemoteClientConfig().CallTimeout
	}
	if cfg.ClientID == "" {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("failed to pick client id: %w", err)
		}
		cfg.ClientID = "client-" + hex.EncodeToString(b[:])
	}
	c := &RemoteClient{
		cfg: cfg,
		rpc: rpc,
		log: logrus.WithFields(logrus.Fields{"component": "remote-client", "server": cfg.Address}),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	pr, err := rpc.GetParams(ctx, &pb.GetParamsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch params: %w", err)
	}
	params, err := batch.UnmarshalParams(pr.Params)
	if err != nil {
		return nil, err
	}
	var opts []batch.ClientOption
	if cfg.Validator != nil {
		opts = append(opts, batch.WithValidator(cfg.Validator))
	}
	c.batch, err = batch.NewClient(params, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// refresh installs the current hash map and registers keys.
func (c *RemoteClient) refresh(ctx context.Context) error {
	hr, err := c.rpc.GetHashMap(ctx, &pb.GetHashMapRequest{})
	if err != nil {
		return fmt.Errorf("failed to fetch hash map: %w", err)
	}
	hm, err := cuckoo.UnmarshalHashMap(hr.HashMap)
	if err != nil {
		return err
	}
	if d := hm.Digest(); !bytes.Equal(d[:], hr.Digest) {
		return fmt.Errorf("%w: digest does not match hash map", batch.ErrBucketMismatch)
	}
	if err := c.batch.SetHashMap(hm); err != nil {
		return err
	}

	keys, err := c.batch.EvaluationKeys()
	if err != nil {
		return err
	}
	blob, err := keys.MarshalBinary()
	if err != nil {
		return err
	}
	rr, err := c.rpc.RegisterKeys(ctx, &pb.RegisterKeysRequest{
		ClientId:          c.cfg.ClientID,
		EvaluationKeys:    blob,
		HashMapDigest:     hr.Digest,
		SessionTtlSeconds: int32(c.cfg.SessionTTL / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to register keys: %w", err)
	}
	c.sessionID = rr.SessionId
	c.log.WithField("keys_mb", len(blob)>>20).Debug("session registered")
	return nil
}

// Params returns the server's batch parameters.
func (c *RemoteClient) Params() batch.Params {
	return c.batch.Params()
}

// SessionID returns the current session.
func (c *RemoteClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Retrieve fetches entries in request order. An expired session or a
// replaced hash map triggers one re-registration.
func (c *RemoteClient) Retrieve(ctx context.Context, indices []uint64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := c.retrieve(ctx, indices)
	if code := status.Code(err); code == codes.Unauthenticated || code == codes.FailedPrecondition {
		c.log.WithError(err).Info("re-registering session")
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		out, err = c.retrieve(ctx, indices)
	}
	return out, err
}

func (c *RemoteClient) retrieve(ctx context.Context, indices []uint64) ([][]byte, error) {
	req, err := c.batch.CreateQueries(indices)
	if err != nil {
		return nil, err
	}
	blob, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}

	resp, err := c.rpc.GenerateResponse(ctx, &pb.GenerateResponseRequest{
		SessionId: c.sessionID,
		Request:   blob,
	})
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	reply, err := batch.UnmarshalReply(resp.Reply)
	if err != nil {
		return nil, err
	}
	return c.batch.DecodeResponses(reply)
}

// Close closes the connection if the client dialed it.
func (c *RemoteClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
