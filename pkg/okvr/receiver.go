package okvr

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/okvs"
)

// Receiver looks up keys in a sender's map.
type Receiver struct {
	info   Info
	hasher okvs.Hasher
	client *batch.Client

	mu      sync.Mutex
	pending [][]byte
}

// NewReceiver creates a receiver for the sender described by info.
func NewReceiver(info Info, opts ...batch.ClientOption) (*Receiver, error) {
	if info.TableSize != info.PIR.NumEntries || info.TableSize%okvs.Weight != 0 {
		return nil, fmt.Errorf("%w: table of %d rows over %d entries", batch.ErrInvalidParams, info.TableSize, info.PIR.NumEntries)
	}
	if info.PIR.BatchSize < okvs.Weight*info.MaxKeys {
		return nil, fmt.Errorf("%w: batch size %d below %d keys", batch.ErrInvalidParams, info.PIR.BatchSize, info.MaxKeys)
	}
	client, err := batch.NewClient(info.PIR, opts...)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		info:   info,
		hasher: okvs.NewHasher(info.OKVSSeed, info.TableSize),
		client: client,
	}, nil
}

// SetHashMap installs the sender's bucket hash map.
func (r *Receiver) SetHashMap(hm *cuckoo.HashMap) error {
	return r.client.SetHashMap(hm)
}

// EvaluationKeys returns the keys to register with the sender.
func (r *Receiver) EvaluationKeys() (*crypto.EvaluationKeys, error) {
	return r.client.EvaluationKeys()
}

// Indices returns the sorted table rows needed to decode keys.
func (r *Receiver) Indices(keys [][]byte) []uint64 {
	set := make(map[uint64]struct{}, okvs.Weight*len(keys))
	for _, k := range keys {
		for _, p := range r.hasher.Positions(k) {
			set[p] = struct{}{}
		}
	}
	out := maps.Keys(set)
	slices.Sort(out)
	return out
}

// CreateQueries builds the batch request for keys.
func (r *Receiver) CreateQueries(keys [][]byte) (*batch.Request, error) {
	if len(keys) > r.info.MaxKeys {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyKeys, len(keys), r.info.MaxKeys)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.client.CreateQueries(r.Indices(keys))
	if err != nil {
		return nil, err
	}
	r.pending = append([][]byte{}, keys...)
	return req, nil
}

// DecodeResponses returns the value of every key of the outstanding batch in
// request order. Keys absent from the sender's map decode to random bytes.
func (r *Receiver) DecodeResponses(reply *batch.Reply) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil, batch.ErrNoBatch
	}

	indices := r.Indices(r.pending)
	rows, err := r.client.DecodeResponses(reply)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[uint64][]byte, len(indices))
	for i, idx := range indices {
		byIndex[idx] = rows[i]
	}

	out := make([][]byte, len(r.pending))
	for i, k := range r.pending {
		pos := r.hasher.Positions(k)
		parts := make([][]byte, len(pos))
		for j, p := range pos {
			parts[j] = byIndex[p]
		}
		out[i] = okvs.Combine(parts...)
	}
	return out, nil
}
