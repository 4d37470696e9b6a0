package batch

import (
	"fmt"

	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/pir"
	"github.com/opaque/batchpir/pkg/wire"
)

// Request is one batch upload: a query for every bucket, tagged with the
// digest of the hash map the client assigned against.
type Request struct {
	HashMapDigest cuckoo.Digest
	Queries       []*pir.Query
}

// Reply holds one response per bucket, in bucket order.
type Reply struct {
	Responses []*pir.Response
}

// Size is the upload size in bytes.
func (r *Request) Size() int {
	n := len(r.HashMapDigest)
	for _, q := range r.Queries {
		n += q.BinarySize()
	}
	return n
}

// Size is the download size in bytes.
func (r *Reply) Size() int {
	n := 0
	for _, resp := range r.Responses {
		n += resp.BinarySize()
	}
	return n
}

type requestWire struct {
	Digest  []byte
	Queries [][]byte
}

// MarshalBinary serializes the request.
func (r *Request) MarshalBinary() ([]byte, error) {
	w := requestWire{Digest: r.HashMapDigest[:], Queries: make([][]byte, len(r.Queries))}
	for i, q := range r.Queries {
		b, err := q.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		w.Queries[i] = b
	}
	return wire.Marshal(&w)
}

// UnmarshalRequest decodes a request produced by Request.MarshalBinary.
func UnmarshalRequest(data []byte) (*Request, error) {
	var w requestWire
	if err := wire.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	r := &Request{Queries: make([]*pir.Query, len(w.Queries))}
	if len(w.Digest) != len(r.HashMapDigest) {
		return nil, fmt.Errorf("%w: digest is %d bytes", ErrBucketMismatch, len(w.Digest))
	}
	copy(r.HashMapDigest[:], w.Digest)
	for i, b := range w.Queries {
		r.Queries[i] = new(pir.Query)
		if err := r.Queries[i].UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
	}
	return r, nil
}

// MarshalBinary serializes the reply.
func (r *Reply) MarshalBinary() ([]byte, error) {
	blobs := make([][]byte, len(r.Responses))
	for i, resp := range r.Responses {
		b, err := resp.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
		blobs[i] = b
	}
	return wire.Marshal(blobs)
}

// UnmarshalReply decodes a reply produced by Reply.MarshalBinary.
func UnmarshalReply(data []byte) (*Reply, error) {
	var blobs [][]byte
	if err := wire.Unmarshal(data, &blobs); err != nil {
		return nil, err
	}
	r := &Reply{Responses: make([]*pir.Response, len(blobs))}
	for i, b := range blobs {
		r.Responses[i] = new(pir.Response)
		if err := r.Responses[i].UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
	}
	return r, nil
}
