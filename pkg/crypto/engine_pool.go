package crypto

import (
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// EvaluatorPool hands out independent BGV evaluators over one client's keys.
// Lattigo evaluators are not safe for concurrent use, so every worker holds
// its own for the duration of a task.
type EvaluatorPool struct {
	params heint.Parameters
	evals  []*heint.Evaluator
	free   chan *heint.Evaluator
}

// NewEvaluatorPool creates n evaluators sharing keys.
func NewEvaluatorPool(params heint.Parameters, keys *EvaluationKeys, n int) *EvaluatorPool {
	if n < 1 {
		n = 1
	}

	pool := &EvaluatorPool{
		params: params,
		evals:  make([]*heint.Evaluator, n),
		free:   make(chan *heint.Evaluator, n),
	}
	for i := range n {
		eval := heint.NewEvaluator(params, keys.Set())
		pool.evals[i] = eval
		pool.free <- eval
	}
	return pool
}

// Acquire takes an evaluator, blocking until one is free.
// The caller MUST call Release when done.
func (p *EvaluatorPool) Acquire() *heint.Evaluator {
	return <-p.free
}

// Release returns an evaluator to the pool.
func (p *EvaluatorPool) Release(e *heint.Evaluator) {
	p.free <- e
}

// Size returns the number of evaluators, which bounds parallelism.
func (p *EvaluatorPool) Size() int {
	return len(p.evals)
}

// Params returns the BGV parameters shared by all evaluators.
func (p *EvaluatorPool) Params() heint.Parameters {
	return p.params
}
