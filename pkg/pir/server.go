package pir

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/opaque/batchpir/pkg/hypercube"
)

// Selectors holds, per period P, the plaintexts whose slots are 1 exactly at
// positions congruent to j mod P. They depend only on the layout and are
// shared read-only by every bucket.
type Selectors struct {
	level int
	masks map[int][]*rlwe.Plaintext
}

// NewSelectors encodes the selector plaintexts for layout at the top level.
func NewSelectors(params heint.Parameters, encoder *heint.Encoder, layout *hypercube.Layout) (*Selectors, error) {
	s := &Selectors{level: params.MaxLevel(), masks: make(map[int][]*rlwe.Plaintext)}

	width := make(map[int]int)
	for i, d := range layout.Dims {
		p := layout.Period(i)
		width[p] = max(width[p], d)
	}

	values := make([]uint64, params.N())
	for period, n := range width {
		s.masks[period] = make([]*rlwe.Plaintext, n)
		for j := range n {
			for k := range values {
				values[k] = 0
				if k%period == j {
					values[k] = 1
				}
			}
			pt := heint.NewPlaintext(params, s.level)
			if err := encoder.Encode(values, pt); err != nil {
				return nil, fmt.Errorf("pir: encode selector %d/%d: %w", j, period, err)
			}
			s.masks[period][j] = pt
		}
	}
	return s, nil
}

// Server answers queries against one database. It keeps no per-client state:
// the evaluator passed to GenerateResponse carries the client's keys.
type Server struct {
	params heint.Parameters
	db     *hypercube.Database
	sel    *Selectors
}

// NewServer binds a database to selectors built for its layout.
func NewServer(params heint.Parameters, db *hypercube.Database, sel *Selectors) *Server {
	return &Server{params: params, db: db, sel: sel}
}

// GenerateResponse folds the database with q. eval must not be used by any
// other goroutine during the call.
func (s *Server) GenerateResponse(eval *heint.Evaluator, q *Query) (*Response, error) {
	layout := s.db.Layout()
	if q == nil || len(q.Dims) != len(layout.Dims) {
		return nil, fmt.Errorf("%w: want %d dimension ciphertexts", ErrMalformedQuery, len(layout.Dims))
	}
	for i, ct := range q.Dims {
		if err := s.checkCiphertext(ct); err != nil {
			return nil, fmt.Errorf("%w: dimension %d: %v", ErrMalformedQuery, i, err)
		}
	}

	selections := make([][]*rlwe.Ciphertext, len(layout.Dims))
	for i, ct := range q.Dims {
		sel, err := s.expand(eval, ct, layout.Dims[i], layout.Period(i))
		if err != nil {
			return nil, fmt.Errorf("pir: expand dimension %d: %w", i, err)
		}
		selections[i] = sel
	}

	resp := &Response{Chunks: make([]*rlwe.Ciphertext, layout.NumChunks)}
	for ch := range resp.Chunks {
		layer, err := foldPlaintexts(eval, selections[0], s.db.Cells(ch), layout.Dims[0])
		if err != nil {
			return nil, fmt.Errorf("pir: fold dimension 0: %w", err)
		}
		for i := 1; i < len(layout.Dims); i++ {
			if layer, err = foldCiphertexts(eval, selections[i], layer, layout.Dims[i]); err != nil {
				return nil, fmt.Errorf("pir: fold dimension %d: %w", i, err)
			}
		}

		var out *rlwe.Ciphertext
		if len(layer) > 0 {
			out = layer[0]
		}
		if out == nil {
			// Empty database: the trivial encryption of zero.
			out = rlwe.NewCiphertext(s.params, 1, 0)
		}
		for out.Level() > 0 {
			if err := eval.Rescale(out, out); err != nil {
				return nil, fmt.Errorf("pir: rescale response: %w", err)
			}
		}
		resp.Chunks[ch] = out
	}
	return resp, nil
}

// checkCiphertext rejects a query ciphertext that was not produced in the
// server's ring at the top level. Evaluating such a ciphertext panics inside
// the ring arithmetic.
func (s *Server) checkCiphertext(ct *rlwe.Ciphertext) error {
	if ct == nil || ct.MetaData == nil {
		return fmt.Errorf("missing ciphertext")
	}
	if ct.Degree() != 1 {
		return fmt.Errorf("degree %d", ct.Degree())
	}
	if ct.IsNTT != s.params.NTTFlag() || !ct.IsBatched {
		return fmt.Errorf("unexpected encoding flags")
	}
	n, moduli := s.params.N(), s.params.MaxLevel()+1
	for _, poly := range ct.Value {
		if len(poly.Coeffs) != moduli {
			return fmt.Errorf("%d moduli, want %d", len(poly.Coeffs), moduli)
		}
		for _, coeffs := range poly.Coeffs {
			if len(coeffs) != n {
				return fmt.Errorf("ring degree %d, want %d", len(coeffs), n)
			}
		}
	}
	return nil
}

// expand turns the replicated one-hot ciphertext of one dimension into n
// ciphertexts, the j-th holding bit j in every slot.
func (s *Server) expand(eval *heint.Evaluator, ct *rlwe.Ciphertext, n, period int) ([]*rlwe.Ciphertext, error) {
	masks := s.sel.masks[period]
	if len(masks) < n {
		return nil, fmt.Errorf("no selectors for period %d", period)
	}

	out := make([]*rlwe.Ciphertext, n)
	for j := range n {
		acc, err := eval.MulNew(ct, masks[j])
		if err != nil {
			return nil, err
		}
		if err := eval.Rescale(acc, acc); err != nil {
			return nil, err
		}
		for step := 1; step < period; step <<= 1 {
			rotated, err := eval.RotateColumnsNew(acc, step)
			if err != nil {
				return nil, fmt.Errorf("rotate by %d: %w", step, err)
			}
			if err := eval.Add(acc, rotated, acc); err != nil {
				return nil, err
			}
		}
		out[j] = acc
	}
	return out, nil
}

func foldPlaintexts(eval *heint.Evaluator, sel []*rlwe.Ciphertext, cells []*rlwe.Plaintext, dim int) ([]*rlwe.Ciphertext, error) {
	out := make([]*rlwe.Ciphertext, ceilDiv(len(cells), dim))
	for g := range out {
		var acc *rlwe.Ciphertext
		for j := range dim {
			idx := g*dim + j
			if idx >= len(cells) || cells[idx] == nil {
				continue
			}
			prod, err := eval.MulNew(sel[j], cells[idx])
			if err != nil {
				return nil, err
			}
			if acc, err = accumulate(eval, acc, prod); err != nil {
				return nil, err
			}
		}
		if acc == nil {
			continue
		}
		if err := eval.Rescale(acc, acc); err != nil {
			return nil, err
		}
		out[g] = acc
	}
	return out, nil
}

func foldCiphertexts(eval *heint.Evaluator, sel []*rlwe.Ciphertext, layer []*rlwe.Ciphertext, dim int) ([]*rlwe.Ciphertext, error) {
	out := make([]*rlwe.Ciphertext, ceilDiv(len(layer), dim))
	for g := range out {
		var acc *rlwe.Ciphertext
		for j := range dim {
			idx := g*dim + j
			if idx >= len(layer) || layer[idx] == nil {
				continue
			}
			prod, err := eval.MulNew(sel[j], layer[idx])
			if err != nil {
				return nil, err
			}
			if acc, err = accumulate(eval, acc, prod); err != nil {
				return nil, err
			}
		}
		if acc == nil {
			continue
		}
		// Relinearize once per group rather than per product.
		if err := eval.Relinearize(acc, acc); err != nil {
			return nil, err
		}
		if err := eval.Rescale(acc, acc); err != nil {
			return nil, err
		}
		out[g] = acc
	}
	return out, nil
}

func accumulate(eval *heint.Evaluator, acc, term *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if acc == nil {
		return term, nil
	}
	if err := eval.Add(acc, term, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
