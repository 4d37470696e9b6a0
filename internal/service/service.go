// Package service implements the batch PIR service behind the gRPC API.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/sirupsen/logrus"

	"github.com/opaque/batchpir/internal/session"
	"github.com/opaque/batchpir/internal/store"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
)

// Errors
var (
	ErrInvalidSession = errors.New("invalid session")
	ErrInvalidRequest = errors.New("invalid batch request")
	ErrInvalidKeys    = errors.New("invalid evaluation keys")
)

// Config holds service configuration.
type Config struct {
	// Batch parameters; NumEntries and EntrySize come from the store.
	Batch batch.Params

	// Session configuration
	MaxSessionTTL time.Duration

	// Window of the batches-per-interval rate reported by HealthCheck.
	RateWindow time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Batch: batch.Params{
			BatchSize: 32,
			Preset:    crypto.DefaultPreset,
		},
		MaxSessionTTL: 24 * time.Hour,
		RateWindow:    time.Minute,
	}
}

// Health is a point-in-time service status.
type Health struct {
	Healthy         bool
	Status          string
	ActiveSessions  int64
	Entries         int64
	BatchesInWindow int64
}

// PIRService answers batch PIR requests over the entries of a store.
type PIRService struct {
	config   Config
	store    store.EntryStore
	server   *batch.Server
	sessions *session.Manager

	paramsBlob  []byte
	hashMapBlob []byte

	batches *ratecounter.RateCounter
	log     *logrus.Entry
}

// NewPIRService snapshots the store and builds the bucket databases.
func NewPIRService(ctx context.Context, cfg Config, entryStore store.EntryStore, opts ...batch.Option) (*PIRService, error) {
	if cfg.MaxSessionTTL <= 0 {
		cfg.MaxSessionTTL = DefaultConfig().MaxSessionTTL
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultConfig().RateWindow
	}

	entries, err := entryStore.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	p := cfg.Batch
	p.NumEntries = len(entries)
	p.EntrySize = entryStore.EntrySize()
	server, err := batch.NewServer(p, entries, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch server: %w", err)
	}

	paramsBlob, err := server.Params().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	hashMapBlob, err := server.HashMap().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode hash map: %w", err)
	}

	return &PIRService{
		config:      cfg,
		store:       entryStore,
		server:      server,
		sessions:    session.NewManager(cfg.MaxSessionTTL),
		paramsBlob:  paramsBlob,
		hashMapBlob: hashMapBlob,
		batches:     ratecounter.NewRateCounter(cfg.RateWindow),
		log:         logrus.WithField("component", "pir-service"),
	}, nil
}

// Server exposes the underlying batch server.
func (s *PIRService) Server() *batch.Server {
	return s.server
}

// GetParams returns the encoded public batch parameters.
func (s *PIRService) GetParams(ctx context.Context) []byte {
	return s.paramsBlob
}

// GetHashMap returns the encoded hash map and its digest.
func (s *PIRService) GetHashMap(ctx context.Context) ([]byte, []byte) {
	d := s.server.HashMap().Digest()
	return s.hashMapBlob, d[:]
}

// RegisterKeys registers a client's evaluation keys and creates a session.
// The client must have installed the current hash map.
func (s *PIRService) RegisterKeys(ctx context.Context, clientID string, keyBlob, digest []byte, ttlSeconds int32) (string, int32, error) {
	want := s.server.HashMap().Digest()
	if !bytes.Equal(digest, want[:]) {
		return "", 0, fmt.Errorf("%w: client holds a stale hash map", batch.ErrBucketMismatch)
	}

	keys, err := crypto.UnmarshalEvaluationKeys(keyBlob)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidKeys, err)
	}
	bs, err := s.server.SetClientKeys(clientID, keys)
	if err != nil {
		return "", 0, err
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	sess, err := s.sessions.Create(bs, ttl)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"client":  clientID,
		"session": sess.ID[:8],
		"keys_kb": len(keyBlob) >> 10,
	}).Info("client keys registered")

	actualTTL := int32(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds())
	return sess.ID, actualTTL, nil
}

// GenerateResponse answers one encoded batch request.
func (s *PIRService) GenerateResponse(ctx context.Context, sessionID string, request []byte) ([]byte, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	req, err := batch.UnmarshalRequest(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := time.Now()
	reply, err := s.server.GenerateResponse(ctx, sess.Batch, req)
	if err != nil {
		return nil, err
	}
	out, err := reply.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	s.batches.Incr(1)
	s.sessions.Served(sessionID)

	s.log.WithFields(logrus.Fields{
		"session":    sessionID[:min(8, len(sessionID))],
		"buckets":    len(req.Queries),
		"request_kb": len(request) >> 10,
		"reply_kb":   len(out) >> 10,
		"duration":   time.Since(start).Round(time.Millisecond),
	}).Debug("batch answered")
	return out, nil
}

// GetSessionCount returns the number of active sessions.
func (s *PIRService) GetSessionCount() int {
	return s.sessions.Count()
}

// ValidateSession checks if a session is valid.
func (s *PIRService) ValidateSession(sessionID string) error {
	_, err := s.sessions.Get(sessionID)
	return err
}

// HealthCheck returns service health status.
func (s *PIRService) HealthCheck(ctx context.Context) Health {
	count, err := s.store.Count(ctx)
	if err != nil {
		return Health{Status: fmt.Sprintf("store error: %v", err)}
	}
	return Health{
		Healthy:         true,
		Status:          "healthy",
		ActiveSessions:  int64(s.sessions.Count()),
		Entries:         count,
		BatchesInWindow: s.batches.Rate(),
	}
}

// Close releases background resources.
func (s *PIRService) Close() {
	s.sessions.Close()
}
