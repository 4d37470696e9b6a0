package batch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"gotest.tools/v3/assert"

	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/pir"
)

var testHashSeed = cuckoo.Seed{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func testParams(numEntries int) Params {
	return Params{
		BatchSize:  8,
		NumEntries: numEntries,
		EntrySize:  32,
		FirstDim:   2,
		Preset:     crypto.PresetTest,
		HashSeed:   testHashSeed,
		Workers:    4,
	}
}

func randomEntries(n, size int, seed int64) [][]byte {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, size)
		rng.Read(out[i])
	}
	return out
}

var (
	sharedOnce    sync.Once
	sharedServer  *Server
	sharedEntries [][]byte
	sharedErr     error
)

func newTestServer(t *testing.T) (*Server, [][]byte) {
	t.Helper()
	sharedOnce.Do(func() {
		sharedEntries = randomEntries(3000, 32, 99)
		sharedServer, sharedErr = NewServer(testParams(len(sharedEntries)), sharedEntries)
	})
	if sharedErr != nil {
		t.Fatalf("failed to build server: %v", sharedErr)
	}
	return sharedServer, sharedEntries
}

func newTestClient(t *testing.T, server *Server, opts ...ClientOption) (*Client, *Session) {
	t.Helper()
	client, err := NewClient(server.Params(), opts...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.SetHashMap(server.HashMap()); err != nil {
		t.Fatalf("failed to set hash map: %v", err)
	}
	keys, err := client.EvaluationKeys()
	if err != nil {
		t.Fatalf("failed to generate keys: %v", err)
	}
	sess, err := server.SetClientKeys("test-client", keys)
	if err != nil {
		t.Fatalf("failed to register keys: %v", err)
	}
	return client, sess
}

func retrieve(t *testing.T, client *Client, server *Server, sess *Session, indices []uint64) [][]byte {
	t.Helper()
	req, err := client.CreateQueries(indices)
	if err != nil {
		t.Fatalf("failed to create queries: %v", err)
	}
	reply, err := server.GenerateResponse(context.Background(), sess, req)
	if err != nil {
		t.Fatalf("failed to generate response: %v", err)
	}
	entries, err := client.DecodeResponses(reply)
	if err != nil {
		t.Fatalf("failed to decode responses: %v", err)
	}
	return entries
}

func TestServerLayout(t *testing.T) {
	server, _ := newTestServer(t)
	assert.Equal(t, server.Params().NumBuckets, 12)
	assert.Equal(t, server.HashMap().NumBuckets(), 12)
	assert.Equal(t, server.NumEntries(), 3000)
	assert.Check(t, len(server.Layout().Dims) == 2, "dims %v", server.Layout().Dims)
}

func TestBatchRoundTrip(t *testing.T) {
	server, entries := newTestServer(t)
	client, sess := newTestClient(t, server)

	indices := []uint64{0, 17, 512, 1024, 1999, 2048, 2500, 2999}
	got := retrieve(t, client, server, sess, indices)
	assert.Equal(t, len(got), len(indices))
	for i, idx := range indices {
		assert.DeepEqual(t, got[i], entries[idx])
	}
	assert.NilError(t, server.CheckDecodedEntries(indices, got))

	table := client.CuckooTable()
	assert.Equal(t, table.Occupied(), len(indices))
	for _, idx := range indices {
		_, ok := table.BucketOf(idx)
		assert.Check(t, ok)
	}
}

func TestDuplicatesKeepRequestOrder(t *testing.T) {
	server, entries := newTestServer(t)
	client, sess := newTestClient(t, server)

	indices := []uint64{2999, 5, 5, 0, 2999}
	got := retrieve(t, client, server, sess, indices)
	for i, idx := range indices {
		assert.DeepEqual(t, got[i], entries[idx])
	}
	assert.Equal(t, client.CuckooTable().Occupied(), 3)
}

func TestEmptyBatch(t *testing.T) {
	server, _ := newTestServer(t)
	client, sess := newTestClient(t, server)

	req, err := client.CreateQueries(nil)
	assert.NilError(t, err)
	assert.Equal(t, len(req.Queries), 0)

	reply, err := server.GenerateResponse(context.Background(), sess, req)
	assert.NilError(t, err)
	assert.Equal(t, len(reply.Responses), 0)

	got, err := client.DecodeResponses(reply)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 0)
}

func TestEveryBucketReal(t *testing.T) {
	server, entries := newTestServer(t)
	client, sess := newTestClient(t, server)
	hm := server.HashMap()

	// One index per bucket, each landing in its first candidate: the batch
	// fills all K buckets without a single eviction.
	byFirst := make(map[uint32]uint64)
	for idx := uint64(0); idx < uint64(hm.NumEntries()) && len(byFirst) < hm.NumBuckets(); idx++ {
		ps, err := hm.Placements(idx)
		assert.NilError(t, err)
		if _, ok := byFirst[ps[0].Bucket]; !ok {
			byFirst[ps[0].Bucket] = idx
		}
	}
	assert.Equal(t, len(byFirst), hm.NumBuckets())

	indices := make([]uint64, 0, len(byFirst))
	for _, idx := range byFirst {
		indices = append(indices, idx)
	}
	got := retrieve(t, client, server, sess, indices)
	for i, idx := range indices {
		assert.DeepEqual(t, got[i], entries[idx])
	}
	assert.Equal(t, client.CuckooTable().Occupied(), hm.NumBuckets())
}

func TestRandomBatches(t *testing.T) {
	server, entries := newTestServer(t)
	client, sess := newTestClient(t, server)
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 3; trial++ {
		indices := make([]uint64, 8)
		for i := range indices {
			indices[i] = uint64(rng.Intn(len(entries)))
		}
		got := retrieve(t, client, server, sess, indices)
		assert.NilError(t, server.CheckDecodedEntries(indices, got))
	}
}

func TestBucketMismatch(t *testing.T) {
	server, _ := newTestServer(t)
	client, sess := newTestClient(t, server)

	req, err := client.CreateQueries([]uint64{1, 2})
	assert.NilError(t, err)

	tampered := *req
	tampered.HashMapDigest[0] ^= 0xff
	_, err = server.GenerateResponse(context.Background(), sess, &tampered)
	assert.ErrorIs(t, err, ErrBucketMismatch)

	short := *req
	short.Queries = req.Queries[1:]
	_, err = server.GenerateResponse(context.Background(), sess, &short)
	assert.ErrorIs(t, err, ErrBucketMismatch)

	// A map built for another K is refused before any query.
	otherMap, _, err := cuckoo.BuildHashMap(3000, 16, 3, testHashSeed)
	assert.NilError(t, err)
	err = client.SetHashMap(otherMap)
	assert.ErrorIs(t, err, ErrBucketMismatch)
}

func TestAssignmentFailure(t *testing.T) {
	p := Params{
		BatchSize:  2,
		NumEntries: 16,
		EntrySize:  8,
		NumHashes:  2,
		NumBuckets: 2,
		Preset:     crypto.PresetTest,
		HashSeed:   testHashSeed,
		Workers:    2,
	}
	server, err := NewServer(p, randomEntries(16, 8, 3))
	assert.NilError(t, err)
	client, _ := newTestClient(t, server)

	_, err = client.CreateQueries([]uint64{1, 2, 3})
	assert.ErrorIs(t, err, ErrBatchAssignment)

	_, err = client.DecodeResponses(&Reply{})
	assert.ErrorIs(t, err, ErrNoBatch)
}

func TestPartialReplyFails(t *testing.T) {
	server, _ := newTestServer(t)
	client, sess := newTestClient(t, server)

	req, err := client.CreateQueries([]uint64{10, 20, 30})
	assert.NilError(t, err)
	reply, err := server.GenerateResponse(context.Background(), sess, req)
	assert.NilError(t, err)

	partial := &Reply{Responses: reply.Responses[:len(reply.Responses)-1]}
	_, err = client.DecodeResponses(partial)
	assert.ErrorIs(t, err, ErrDecodeIntegrity)
}

func TestForeignRingRequestFailsBatch(t *testing.T) {
	server, entries := newTestServer(t)
	client, sess := newTestClient(t, server)

	req, err := client.CreateQueries([]uint64{1})
	assert.NilError(t, err)

	wide, err := crypto.NewParameters(crypto.PresetLogN14)
	assert.NilError(t, err)
	for _, q := range req.Queries {
		for i := range q.Dims {
			ct := rlwe.NewCiphertext(wide, 1, wide.MaxLevel())
			ct.IsNTT, ct.IsBatched = true, true
			q.Dims[i] = ct
		}
	}

	_, err = server.GenerateResponse(context.Background(), sess, req)
	assert.ErrorIs(t, err, pir.ErrMalformedQuery)

	// The session keeps serving well-formed batches.
	got := retrieve(t, client, server, sess, []uint64{1, 2})
	assert.DeepEqual(t, got, [][]byte{entries[1], entries[2]})
}

func TestValidatorRejects(t *testing.T) {
	server, _ := newTestServer(t)
	client, sess := newTestClient(t, server, WithValidator(func(index uint64, entry []byte) error {
		if index == 42 {
			return errors.New("unexpected record")
		}
		return nil
	}))

	req, err := client.CreateQueries([]uint64{41, 42})
	assert.NilError(t, err)
	reply, err := server.GenerateResponse(context.Background(), sess, req)
	assert.NilError(t, err)
	_, err = client.DecodeResponses(reply)
	assert.ErrorIs(t, err, ErrDecodeIntegrity)
}

func TestWireFormats(t *testing.T) {
	server, entries := newTestServer(t)
	client, sess := newTestClient(t, server)

	pb, err := server.Params().MarshalBinary()
	assert.NilError(t, err)
	published, err := UnmarshalParams(pb)
	assert.NilError(t, err)
	assert.Equal(t, published.NumBuckets, server.Params().NumBuckets)
	assert.Equal(t, published.HashSeed, server.Params().HashSeed)
	assert.Equal(t, published.Preset, crypto.PresetTest)

	hb, err := server.HashMap().MarshalBinary()
	assert.NilError(t, err)
	hm, err := cuckoo.UnmarshalHashMap(hb)
	assert.NilError(t, err)
	assert.NilError(t, client.SetHashMap(hm))
	keys, err := client.EvaluationKeys()
	assert.NilError(t, err)
	sess, err = server.SetClientKeys("wire-client", keys)
	assert.NilError(t, err)

	indices := []uint64{3, 1500}
	req, err := client.CreateQueries(indices)
	assert.NilError(t, err)
	rb, err := req.MarshalBinary()
	assert.NilError(t, err)
	req2, err := UnmarshalRequest(rb)
	assert.NilError(t, err)

	reply, err := server.GenerateResponse(context.Background(), sess, req2)
	assert.NilError(t, err)
	yb, err := reply.MarshalBinary()
	assert.NilError(t, err)
	reply2, err := UnmarshalReply(yb)
	assert.NilError(t, err)

	got, err := client.DecodeResponses(reply2)
	assert.NilError(t, err)
	for i, idx := range indices {
		assert.DeepEqual(t, got[i], entries[idx])
	}
	assert.Check(t, req.Size() > 0 && reply.Size() > 0)
	t.Logf("upload %d bytes, download %d bytes", req.Size(), reply.Size())
}

func TestMissingKeys(t *testing.T) {
	server, _ := newTestServer(t)
	he, err := server.Params().HEParameters()
	assert.NilError(t, err)
	engine, err := crypto.NewClientEngine(he)
	assert.NilError(t, err)
	keys, err := engine.GenEvaluationKeys(nil)
	assert.NilError(t, err)

	_, err = server.SetClientKeys("no-rotations", keys)
	assert.ErrorIs(t, err, crypto.ErrMissingKey)

	_, err = server.GenerateResponse(context.Background(), nil, &Request{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestConcurrentClients(t *testing.T) {
	server, _ := newTestServer(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for c := range results {
		client, sess := newTestClient(t, server)
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			indices := []uint64{uint64(c), uint64(1000 + c), uint64(2000 + c)}
			req, err := client.CreateQueries(indices)
			if err != nil {
				results[c] = err
				return
			}
			reply, err := server.GenerateResponse(context.Background(), sess, req)
			if err != nil {
				results[c] = err
				return
			}
			got, err := client.DecodeResponses(reply)
			if err != nil {
				results[c] = err
				return
			}
			results[c] = server.CheckDecodedEntries(indices, got)
		}(c)
	}
	wg.Wait()
	for c, err := range results {
		assert.NilError(t, err, "client %d", c)
	}
}

func TestCanceledContext(t *testing.T) {
	server, _ := newTestServer(t)
	client, sess := newTestClient(t, server)
	req, err := client.CreateQueries([]uint64{1})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = server.GenerateResponse(ctx, sess, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParamsNormalize(t *testing.T) {
	p, err := Params{BatchSize: 32, NumEntries: 100, EntrySize: 32}.Normalize()
	assert.NilError(t, err)
	assert.Equal(t, p.NumBuckets, 48)
	assert.Equal(t, p.NumHashes, 3)
	assert.Equal(t, p.MaxEvictions, cuckoo.DefaultMaxEvictions)
	assert.Equal(t, p.Preset, crypto.DefaultPreset)

	_, err = Params{NumEntries: 100, EntrySize: 32}.Normalize()
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = Params{BatchSize: 1, NumEntries: 100, EntrySize: 32, NumHashes: 3, NumBuckets: 2}.Normalize()
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = Params{BatchSize: 64, NumEntries: 100, EntrySize: 32, NumHashes: cuckoo.MaxNumHashes + 1, NumBuckets: 300}.Normalize()
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = NewServer(testParams(10), randomEntries(9, 32, 1))
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = NewServer(testParams(2), [][]byte{make([]byte, 32), make([]byte, 31)})
	assert.ErrorIs(t, err, ErrInvalidParams)
}
