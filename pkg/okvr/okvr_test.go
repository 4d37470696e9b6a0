package okvr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/okvs"
)

func testMap(n, valueSize int) ([][]byte, [][]byte) {
	rng := rand.New(rand.NewSource(5))
	keys := make([][]byte, n)
	values := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("user-%04d", i))
		values[i] = make([]byte, valueSize)
		rng.Read(values[i])
	}
	return keys, values
}

func newPair(t *testing.T, keys, values [][]byte) (*Sender, *Receiver, *batch.Session) {
	t.Helper()
	sender, err := NewSender(Params{
		MaxKeys:  4,
		Preset:   crypto.PresetTest,
		FirstDim: 4,
		Workers:  4,
	}, keys, values)
	assert.NilError(t, err)

	data, err := sender.Info().MarshalBinary()
	assert.NilError(t, err)
	info, err := UnmarshalInfo(data)
	assert.NilError(t, err)

	receiver, err := NewReceiver(info)
	assert.NilError(t, err)
	assert.NilError(t, receiver.SetHashMap(sender.HashMap()))
	evk, err := receiver.EvaluationKeys()
	assert.NilError(t, err)
	sess, err := sender.SetClientKeys("receiver", evk)
	assert.NilError(t, err)
	return sender, receiver, sess
}

func TestRetrieveValues(t *testing.T) {
	keys, values := testMap(200, 32)
	sender, receiver, sess := newPair(t, keys, values)

	info := sender.Info()
	assert.Equal(t, info.TableSize, okvs.TableSize(200))
	assert.Equal(t, info.PIR.BatchSize, okvs.Weight*4)

	want := []int{3, 150, 7, 3}
	lookup := make([][]byte, len(want))
	for i, k := range want {
		lookup[i] = keys[k]
	}

	req, err := receiver.CreateQueries(lookup)
	assert.NilError(t, err)
	reply, err := sender.GenerateResponse(context.Background(), sess, req)
	assert.NilError(t, err)
	got, err := receiver.DecodeResponses(reply)
	assert.NilError(t, err)

	for i, k := range want {
		assert.DeepEqual(t, got[i], values[k])
	}
}

func TestUnknownKeyDecodesToNoise(t *testing.T) {
	keys, values := testMap(60, 16)
	sender, receiver, sess := newPair(t, keys, values)

	req, err := receiver.CreateQueries([][]byte{[]byte("missing"), keys[0]})
	assert.NilError(t, err)
	reply, err := sender.GenerateResponse(context.Background(), sess, req)
	assert.NilError(t, err)
	got, err := receiver.DecodeResponses(reply)
	assert.NilError(t, err)

	assert.DeepEqual(t, got[1], values[0])
	for _, v := range values {
		assert.Check(t, string(got[0]) != string(v))
	}
}

func TestIndicesSortedUnique(t *testing.T) {
	keys, values := testMap(60, 16)
	_, receiver, _ := newPair(t, keys, values)

	idx := receiver.Indices([][]byte{keys[1], keys[2], keys[1]})
	assert.Check(t, len(idx) <= 2*okvs.Weight)
	for i := 1; i < len(idx); i++ {
		assert.Check(t, idx[i-1] < idx[i])
	}
}

func TestTooManyKeys(t *testing.T) {
	keys, values := testMap(60, 16)
	_, receiver, _ := newPair(t, keys, values)

	_, err := receiver.CreateQueries(keys[:5])
	assert.Check(t, errors.Is(err, ErrTooManyKeys))
}

func TestEmptyLookup(t *testing.T) {
	keys, values := testMap(60, 16)
	sender, receiver, sess := newPair(t, keys, values)

	req, err := receiver.CreateQueries(nil)
	assert.NilError(t, err)
	reply, err := sender.GenerateResponse(context.Background(), sess, req)
	assert.NilError(t, err)
	got, err := receiver.DecodeResponses(reply)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 0)
}

func TestDecodeWithoutBatch(t *testing.T) {
	keys, values := testMap(60, 16)
	_, receiver, _ := newPair(t, keys, values)

	_, err := receiver.DecodeResponses(&batch.Reply{})
	assert.Check(t, errors.Is(err, batch.ErrNoBatch))
}

func TestSenderRejectsBadParams(t *testing.T) {
	keys, values := testMap(10, 16)
	_, err := NewSender(Params{}, keys, values)
	assert.Check(t, errors.Is(err, batch.ErrInvalidParams))

	_, err = NewSender(Params{MaxKeys: 2, IndexWidth: okvs.Width8}, append(keys, keys...), append(values, values...))
	assert.Check(t, errors.Is(err, okvs.ErrDuplicateKey))
}

func TestReceiverRejectsInconsistentInfo(t *testing.T) {
	_, err := NewReceiver(Info{MaxKeys: 2, TableSize: 33, PIR: batch.Params{NumEntries: 30, BatchSize: 6}})
	assert.Check(t, errors.Is(err, batch.ErrInvalidParams))

	_, err = NewReceiver(Info{MaxKeys: 4, TableSize: 33, PIR: batch.Params{NumEntries: 33, BatchSize: 6}})
	assert.Check(t, errors.Is(err, batch.ErrInvalidParams))
}
