package batch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/hypercube"
	"github.com/opaque/batchpir/pkg/pir"
)

var (
	// ErrNoHashMap reports a client used before SetHashMap.
	ErrNoHashMap = errors.New("batch: client has no hash map")

	// ErrNoBatch reports DecodeResponses without a preceding CreateQueries.
	ErrNoBatch = errors.New("batch: no outstanding batch")
)

// Validator is an application-level check of a decoded entry.
type Validator func(index uint64, entry []byte) error

// ClientOption configures NewClient.
type ClientOption func(*Client)

// WithValidator rejects batches containing an entry fn refuses.
func WithValidator(fn Validator) ClientOption {
	return func(c *Client) { c.validator = fn }
}

// Client creates batch queries and decodes the replies. One batch may be
// outstanding at a time: DecodeResponses decodes the reply to the latest
// CreateQueries.
type Client struct {
	params    Params
	he        heint.Parameters
	engine    *crypto.Engine
	validator Validator

	mu      sync.Mutex
	hashMap *cuckoo.HashMap
	single  *pir.Client
	keys    *crypto.EvaluationKeys

	table   *cuckoo.Table
	pending []uint64
}

// NewClient generates the client's secret key for the server's params.
func NewClient(params Params, opts ...ClientOption) (*Client, error) {
	p, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	he, err := p.HEParameters()
	if err != nil {
		return nil, err
	}
	engine, err := crypto.NewClientEngine(he)
	if err != nil {
		return nil, err
	}

	c := &Client{params: p, he: he, engine: engine}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Params returns the normalized parameters.
func (c *Client) Params() Params {
	return c.params
}

// SetHashMap installs the server's hash map. A map built for another
// geometry is rejected with ErrBucketMismatch, and a bucket layout deeper
// than the parameters allow with a *crypto.ParameterError.
func (c *Client) SetHashMap(hm *cuckoo.HashMap) error {
	if err := hm.CheckShape(c.params.NumEntries, c.params.NumBuckets, c.params.NumHashes); err != nil {
		return err
	}
	layout, err := hypercube.NewLayoutForParams(c.he, hm.BucketSize(), c.params.EntrySize, c.params.FirstDim)
	if err != nil {
		return err
	}
	single, err := pir.NewClient(c.engine, layout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashMap = hm
	c.single = single
	c.keys = nil
	c.table = nil
	c.pending = nil
	return nil
}

// HashMapDigest returns the digest of the installed hash map.
func (c *Client) HashMapDigest() (cuckoo.Digest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hashMap == nil {
		return cuckoo.Digest{}, ErrNoHashMap
	}
	return c.hashMap.Digest(), nil
}

// EvaluationKeys returns the keys to upload with SetClientKeys. They are
// generated on first use and depend on the bucket layout.
func (c *Client) EvaluationKeys() (*crypto.EvaluationKeys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.single == nil {
		return nil, ErrNoHashMap
	}
	if c.keys == nil {
		keys, err := c.engine.GenEvaluationKeys(pir.RotationSteps(c.single.Layout()))
		if err != nil {
			return nil, err
		}
		c.keys = keys
	}
	return c.keys, nil
}

// CreateQueries assigns indices to buckets and encrypts one query per
// bucket. Repeated indices are fetched once. When assignment fails the whole
// batch is retried with a new eviction seed, up to MaxRetries times.
func (c *Client) CreateQueries(indices []uint64) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.single == nil {
		return nil, ErrNoHashMap
	}

	req := &Request{HashMapDigest: c.hashMap.Digest()}
	if len(indices) == 0 {
		c.table = nil
		c.pending = []uint64{}
		return req, nil
	}

	var table *cuckoo.Table
	var err error
	for attempt := 0; attempt <= c.params.MaxRetries; attempt++ {
		table, err = cuckoo.Assign(c.hashMap, indices, cuckoo.Options{
			MaxEvictions: c.params.MaxEvictions,
			Seed:         int64(attempt),
		})
		if err == nil || !errors.Is(err, ErrBatchAssignment) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	req.Queries = make([]*pir.Query, table.Len())
	for b := range req.Queries {
		// Dummy buckets query offset 0; the ciphertexts look the same.
		offset := 0
		if idx, ok := table.IndexAt(uint32(b)); ok {
			offset, _ = c.hashMap.Offset(idx, uint32(b))
		}
		q, err := c.single.EncodeQuery(offset)
		if err != nil {
			return nil, fmt.Errorf("bucket %d: %w", b, err)
		}
		req.Queries[b] = q
	}

	c.table = table
	c.pending = append([]uint64(nil), indices...)
	return req, nil
}

// CuckooTable returns the assignment of the outstanding batch.
func (c *Client) CuckooTable() *cuckoo.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table
}

// DecodeResponses returns the entries of the outstanding batch in request
// order. A missing bucket response or an entry failing integrity checks fails
// the whole batch with ErrDecodeIntegrity.
func (c *Client) DecodeResponses(reply *Reply) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil, ErrNoBatch
	}
	if len(c.pending) == 0 {
		if reply != nil && len(reply.Responses) != 0 {
			return nil, fmt.Errorf("%w: responses for an empty batch", ErrDecodeIntegrity)
		}
		return [][]byte{}, nil
	}
	if reply == nil || len(reply.Responses) != c.table.Len() {
		return nil, fmt.Errorf("%w: expected %d bucket responses", ErrDecodeIntegrity, c.table.Len())
	}

	decoded := make(map[uint64][]byte, c.table.Occupied())
	for _, idx := range c.pending {
		if _, ok := decoded[idx]; ok {
			continue
		}
		b, _ := c.table.BucketOf(idx)
		offset, _ := c.hashMap.Offset(idx, b)
		entry, err := c.single.DecodeResponse(reply.Responses[b], offset)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d (bucket %d): %v", ErrDecodeIntegrity, idx, b, err)
		}
		if c.validator != nil {
			if err := c.validator(idx, entry); err != nil {
				return nil, fmt.Errorf("%w: index %d: %v", ErrDecodeIntegrity, idx, err)
			}
		}
		decoded[idx] = entry
	}

	out := make([][]byte, len(c.pending))
	for i, idx := range c.pending {
		out[i] = decoded[idx]
	}
	return out, nil
}
