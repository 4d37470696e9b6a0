package batch

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/hypercube"
	"github.com/opaque/batchpir/pkg/pir"
)

// ErrNoSession reports a response request without registered client keys.
var ErrNoSession = errors.New("batch: no client session")

// Option configures NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	progress func(done, total int)
	logger   *logrus.Entry
}

// WithProgress reports bucket construction progress. fn is called from worker
// goroutines, one call at a time.
func WithProgress(fn func(done, total int)) Option {
	return func(o *serverOptions) { o.progress = fn }
}

// WithLogger replaces the default logger.
func WithLogger(l *logrus.Entry) Option {
	return func(o *serverOptions) { o.logger = l }
}

// Server holds the bucketed, preprocessed database. Everything it holds is
// read-only after NewServer returns; per-client state lives in Sessions.
type Server struct {
	params  Params
	he      heint.Parameters
	entries [][]byte

	hashMap *cuckoo.HashMap
	layout  *hypercube.Layout
	buckets []*pir.Server

	log *logrus.Entry
}

// Session is one client's registered key material together with the
// evaluators built over it. It is passed explicitly to GenerateResponse.
type Session struct {
	ClientID  string
	CreatedAt time.Time

	keys *crypto.EvaluationKeys
	pool *crypto.EvaluatorPool
}

// Keys returns the evaluation keys the session was created with.
func (s *Session) Keys() *crypto.EvaluationKeys {
	return s.keys
}

// NewServer builds the hash map and the K bucket databases for entries.
// The layout is derived from the fullest bucket and shared by all buckets, so
// every query has the same shape.
func NewServer(params Params, entries [][]byte, opts ...Option) (*Server, error) {
	o := serverOptions{logger: logrus.WithField("component", "batch-server")}
	for _, opt := range opts {
		opt(&o)
	}

	if params.NumEntries == 0 {
		params.NumEntries = len(entries)
	}
	p, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	if len(entries) != p.NumEntries {
		return nil, fmt.Errorf("%w: %d entries, params say %d", ErrInvalidParams, len(entries), p.NumEntries)
	}
	for i, e := range entries {
		if len(e) != p.EntrySize {
			return nil, fmt.Errorf("%w: entry %d is %d bytes, want %d", ErrInvalidParams, i, len(e), p.EntrySize)
		}
	}
	if p.HashSeed == (cuckoo.Seed{}) {
		if _, err := rand.Read(p.HashSeed[:]); err != nil {
			return nil, fmt.Errorf("failed to draw hash seed: %w", err)
		}
	}

	he, err := p.HEParameters()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hm, members, err := cuckoo.BuildHashMap(p.NumEntries, p.NumBuckets, p.NumHashes, p.HashSeed)
	if err != nil {
		return nil, err
	}
	layout, err := hypercube.NewLayoutForParams(he, hm.BucketSize(), p.EntrySize, p.FirstDim)
	if err != nil {
		return nil, err
	}
	sel, err := pir.NewSelectors(he, heint.NewEncoder(he), layout)
	if err != nil {
		return nil, err
	}

	s := &Server{
		params:  p,
		he:      he,
		entries: entries,
		hashMap: hm,
		layout:  layout,
		buckets: make([]*pir.Server, p.NumBuckets),
		log:     o.logger,
	}
	if err := s.buildBuckets(members, sel, o.progress); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"entries":     p.NumEntries,
		"buckets":     p.NumBuckets,
		"bucket_size": hm.BucketSize(),
		"dims":        layout.Dims,
		"chunks":      layout.NumChunks,
		"duration":    time.Since(start).Round(time.Millisecond),
	}).Info("bucket databases ready")
	return s, nil
}

func (s *Server) buildBuckets(members [][]uint64, sel *pir.Selectors, progress func(done, total int)) error {
	workers := min(s.params.Workers, len(members))
	encoders := make(chan *heint.Encoder, workers)
	for range workers {
		encoders <- heint.NewEncoder(s.he)
	}

	errs := make([]error, len(members))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for b, idxs := range members {
		wg.Add(1)
		sem <- struct{}{}

		go func(b int, idxs []uint64) {
			defer wg.Done()
			defer func() { <-sem }()

			enc := <-encoders
			defer func() { encoders <- enc }()

			bucket := make([][]byte, len(idxs))
			for i, idx := range idxs {
				bucket[i] = s.entries[idx]
			}
			db, err := hypercube.Build(s.he, enc, s.layout, bucket)
			if err != nil {
				errs[b] = fmt.Errorf("bucket %d: %w", b, err)
				return
			}
			s.buckets[b] = pir.NewServer(s.he, db, sel)

			if progress != nil {
				mu.Lock()
				done++
				progress(done, len(members))
				mu.Unlock()
			}
		}(b, idxs)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Params returns the normalized parameters, including the hash seed.
func (s *Server) Params() Params {
	return s.params
}

// HashMap returns the map clients need to assign batches.
func (s *Server) HashMap() *cuckoo.HashMap {
	return s.hashMap
}

// Layout returns the hypercube layout shared by all buckets.
func (s *Server) Layout() *hypercube.Layout {
	return s.layout
}

// NumEntries returns N.
func (s *Server) NumEntries() int {
	return len(s.entries)
}

// SetClientKeys checks the client's evaluation keys and opens a session over
// them.
func (s *Server) SetClientKeys(clientID string, keys *crypto.EvaluationKeys) (*Session, error) {
	if err := keys.Validate(s.he, pir.RotationSteps(s.layout)); err != nil {
		return nil, err
	}
	s.log.WithField("client", clientID).Debug("client keys registered")
	return &Session{
		ClientID:  clientID,
		CreatedAt: time.Now(),
		keys:      keys,
		pool:      crypto.NewEvaluatorPool(s.he, keys, s.params.Workers),
	}, nil
}

// GenerateResponse answers every bucket query of req. Buckets run in
// parallel on the session's evaluators; the first failing bucket fails the
// whole batch. ctx is only checked before work starts.
func (s *Server) GenerateResponse(ctx context.Context, sess *Session, req *Request) (*Reply, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.HashMapDigest != s.hashMap.Digest() {
		return nil, fmt.Errorf("%w: request built against another hash map", ErrBucketMismatch)
	}
	if len(req.Queries) == 0 {
		return &Reply{}, nil
	}
	if len(req.Queries) != len(s.buckets) {
		return nil, fmt.Errorf("%w: %d queries for %d buckets", ErrBucketMismatch, len(req.Queries), len(s.buckets))
	}

	start := time.Now()
	reply := &Reply{Responses: make([]*pir.Response, len(s.buckets))}
	errs := make([]error, len(s.buckets))
	var wg sync.WaitGroup

	for b := range s.buckets {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()

			eval := sess.pool.Acquire()
			defer sess.pool.Release(eval)
			defer func() {
				if r := recover(); r != nil {
					errs[b] = fmt.Errorf("bucket %d: %w: evaluation panicked: %v", b, pir.ErrMalformedQuery, r)
				}
			}()

			resp, err := s.buckets[b].GenerateResponse(eval, req.Queries[b])
			if err != nil {
				errs[b] = fmt.Errorf("bucket %d: %w", b, err)
				return
			}
			reply.Responses[b] = resp
		}(b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"client":   sess.ClientID,
		"buckets":  len(s.buckets),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("batch answered")
	return reply, nil
}

// CheckDecodedEntries compares decoded entries against the database.
func (s *Server) CheckDecodedEntries(indices []uint64, entries [][]byte) error {
	if len(indices) != len(entries) {
		return fmt.Errorf("%w: %d entries for %d indices", ErrDecodeIntegrity, len(entries), len(indices))
	}
	for i, idx := range indices {
		if idx >= uint64(len(s.entries)) {
			return fmt.Errorf("index %d out of range", idx)
		}
		if !bytes.Equal(s.entries[idx], entries[i]) {
			return fmt.Errorf("%w: entry for index %d does not match the database", ErrDecodeIntegrity, idx)
		}
	}
	return nil
}
