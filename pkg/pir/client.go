package pir

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"

	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/hypercube"
)

// Client builds queries against, and decodes responses from, databases with
// one fixed layout.
type Client struct {
	engine *crypto.Engine
	layout *hypercube.Layout
}

// NewClient checks that layout can be folded under the engine's parameters.
func NewClient(engine *crypto.Engine, layout *hypercube.Layout) (*Client, error) {
	params := engine.Params()
	if layout.Slots != crypto.Slots(params) {
		return nil, fmt.Errorf("pir: layout has %d slots, parameters %d", layout.Slots, crypto.Slots(params))
	}
	if err := crypto.CheckDepth(params, len(layout.Dims)); err != nil {
		return nil, err
	}
	return &Client{engine: engine, layout: layout}, nil
}

// Layout returns the layout queries are built for.
func (c *Client) Layout() *hypercube.Layout {
	return c.layout
}

// EncodeQuery encrypts the selection vectors of index.
func (c *Client) EncodeQuery(index int) (*Query, error) {
	coord, err := c.layout.Coordinate(index)
	if err != nil {
		return nil, err
	}

	q := &Query{Dims: make([]*rlwe.Ciphertext, len(c.layout.Dims))}
	values := make([]uint64, c.layout.Slots)
	for i, x := range coord.Coords {
		period := c.layout.Period(i)
		for k := range values {
			if k%period == x {
				values[k] = 1
			} else {
				values[k] = 0
			}
		}
		ct, err := c.engine.EncryptSlots(values)
		if err != nil {
			return nil, fmt.Errorf("pir: dimension %d: %w", i, err)
		}
		q.Dims[i] = ct
	}
	return q, nil
}

// DecodeResponse decrypts resp and extracts the entry at index. It does not
// modify resp, so decoding twice gives the same bytes.
func (c *Client) DecodeResponse(resp *Response, index int) ([]byte, error) {
	coord, err := c.layout.Coordinate(index)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Chunks) != c.layout.NumChunks {
		return nil, fmt.Errorf("%w: want %d chunk ciphertexts", ErrMalformedResponse, c.layout.NumChunks)
	}

	spe := c.layout.SlotsPerEntry
	if c.layout.NumChunks == 1 {
		values, err := c.engine.DecryptSlots(resp.Chunks[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return c.layout.UnpackEntry(values[coord.Offset*spe : (coord.Offset+1)*spe])
	}

	slots := make([]uint64, 0, c.layout.NumChunks*c.layout.Slots)
	for ch, ct := range resp.Chunks {
		values, err := c.engine.DecryptSlots(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrMalformedResponse, ch, err)
		}
		slots = append(slots, values...)
	}
	return c.layout.UnpackEntry(slots[:spe])
}
