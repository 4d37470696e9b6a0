package okvr

import (
	"context"
	"fmt"

	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/okvs"
)

// Sender holds an encoded key-value map.
type Sender struct {
	info   Info
	server *batch.Server
}

// NewSender encodes keys and values and builds the batch-PIR server over the
// table rows. All values must have the same length.
func NewSender(p Params, keys, values [][]byte, opts ...batch.Option) (*Sender, error) {
	if p.MaxKeys <= 0 {
		return nil, fmt.Errorf("%w: max keys %d", batch.ErrInvalidParams, p.MaxKeys)
	}
	if len(values) == 0 || len(values[0]) == 0 {
		return nil, fmt.Errorf("%w: empty values", batch.ErrInvalidParams)
	}

	enc, err := okvs.Encode(keys, values, okvs.Options{Width: p.IndexWidth})
	if err != nil {
		return nil, err
	}

	server, err := batch.NewServer(batch.Params{
		BatchSize:  okvs.Weight * p.MaxKeys,
		NumEntries: len(enc.Rows),
		EntrySize:  len(values[0]),
		FirstDim:   p.FirstDim,
		Preset:     p.Preset,
		Workers:    p.Workers,
	}, enc.Rows, opts...)
	if err != nil {
		return nil, err
	}

	return &Sender{
		info: Info{
			MaxKeys:   p.MaxKeys,
			ValueSize: len(values[0]),
			OKVSSeed:  enc.Seed,
			TableSize: len(enc.Rows),
			PIR:       server.Params(),
		},
		server: server,
	}, nil
}

// Info returns the public parameters for receivers.
func (s *Sender) Info() Info {
	return s.info
}

// HashMap returns the bucket hash map receivers must install.
func (s *Sender) HashMap() *cuckoo.HashMap {
	return s.server.HashMap()
}

// SetClientKeys registers a receiver's evaluation keys.
func (s *Sender) SetClientKeys(clientID string, keys *crypto.EvaluationKeys) (*batch.Session, error) {
	return s.server.SetClientKeys(clientID, keys)
}

// GenerateResponse answers one receiver batch.
func (s *Sender) GenerateResponse(ctx context.Context, sess *batch.Session, req *batch.Request) (*batch.Reply, error) {
	return s.server.GenerateResponse(ctx, sess, req)
}
