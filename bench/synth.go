package bench

import (
	mrand "math/rand"
)

// BatchGen produces batches of normally distributed inputs and targets.
// The sequence is deterministic for a given seed and shape, so a rank
// can be restarted without changing its workload. Each rank seeds its
// own generator; the batches feed the loss only and are discarded.
type BatchGen struct {
	batch, in, out int
	rng            *mrand.Rand
	data, target   []float32
}

// NewBatchGen creates a generator for batch rows of in-wide inputs and
// out-wide targets.
func NewBatchGen(seed int64, batch, in, out int) *BatchGen {
	return &BatchGen{
		batch:  batch,
		in:     in,
		out:    out,
		rng:    mrand.New(mrand.NewSource(seed)),
		data:   make([]float32, batch*in),
		target: make([]float32, batch*out),
	}
}

// Next returns the next input and target batch. The returned slices
// are reused by the following call.
func (g *BatchGen) Next() (data, target []float32) {
	for i := range g.data {
		g.data[i] = float32(g.rng.NormFloat64())
	}
	for i := range g.target {
		g.target[i] = float32(g.rng.NormFloat64())
	}

	return g.data, g.target
}
