// Package mlp implements a float32 multi-layer perceptron with ReLU
// activations, mean-squared-error loss, and plain SGD. All layer weights
// and biases live in one contiguous parameter buffer with a matching
// gradient buffer, so data-parallel synchronization is a single
// reduction over Grads().
package mlp

import (
	"fmt"
	"math"
	mrand "math/rand"
	"runtime"
	"sync"
)

type layer struct {
	in, out int
	w, b    []float32 // views into Net.params
	gw, gb  []float32 // views into Net.grads
}

// Net is a fixed-topology dense network. It is not safe for concurrent
// use: Forward retains per-batch activations that Backward consumes.
type Net struct {
	// Workers bounds the goroutines used for the batch-parallel matrix
	// loops. Defaults to the number of logical CPUs.
	Workers int

	dims   []int
	layers []layer
	params []float32
	grads  []float32

	acts  [][]float32 // acts[0] is the input, acts[i+1] the output of layer i
	batch int
	da    []float32 // backward scratch, current layer delta
	db    []float32 // backward scratch, propagated delta
}

// New builds a network with the given layer dimensions, e.g.
// [2048, 8192, 8192, 8192, 2048] for three hidden layers. ReLU is
// applied after every layer except the last. Weights are initialized
// uniformly in ±1/sqrt(fan-in) from the seed, so two nets built with
// the same dims and seed are identical.
func New(dims []int, seed int64) (*Net, error) {
	if len(dims) < 2 {
		return nil, fmt.Errorf("need at least 2 dims, got %d", len(dims))
	}
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("non-positive dim %d", d)
		}
	}

	total := 0
	for i := 0; i < len(dims)-1; i++ {
		total += dims[i]*dims[i+1] + dims[i+1]
	}

	n := &Net{
		Workers: runtime.NumCPU(),
		dims:    append([]int(nil), dims...),
		params:  make([]float32, total),
		grads:   make([]float32, total),
	}

	rng := mrand.New(mrand.NewSource(seed))
	off := 0

	for i := 0; i < len(dims)-1; i++ {
		in, out := dims[i], dims[i+1]
		l := layer{
			in:  in,
			out: out,
			w:   n.params[off : off+in*out],
			gw:  n.grads[off : off+in*out],
		}
		off += in * out
		l.b = n.params[off : off+out]
		l.gb = n.grads[off : off+out]
		off += out

		bound := 1 / math.Sqrt(float64(in))
		for j := range l.w {
			l.w[j] = float32((rng.Float64()*2 - 1) * bound)
		}
		for j := range l.b {
			l.b[j] = float32((rng.Float64()*2 - 1) * bound)
		}

		n.layers = append(n.layers, l)
	}

	return n, nil
}

// Dims returns the layer dimensions the net was built with.
func (n *Net) Dims() []int {
	return append([]int(nil), n.dims...)
}

// NumParams returns the total parameter count.
func (n *Net) NumParams() int {
	return len(n.params)
}

// Params returns the live contiguous parameter buffer.
func (n *Net) Params() []float32 {
	return n.params
}

// Grads returns the live contiguous gradient buffer. A data-parallel
// caller reduces this across replicas between Backward and Step.
func (n *Net) Grads() []float32 {
	return n.grads
}

// Forward runs the network on a row-major batch*dims[0] input and
// returns the batch*dims[last] output. The returned slice is reused by
// the next Forward call.
func (n *Net) Forward(x []float32, batch int) []float32 {
	n.ensureBuffers(batch)
	n.acts[0] = x

	for li := range n.layers {
		l := &n.layers[li]
		in, out := n.acts[li], n.acts[li+1]
		relu := li < len(n.layers)-1

		forEach(batch, n.Workers, func(r int) {
			row := in[r*l.in : (r+1)*l.in]
			dst := out[r*l.out : (r+1)*l.out]
			for o := 0; o < l.out; o++ {
				w := l.w[o*l.in : (o+1)*l.in]
				sum := l.b[o]
				for i, v := range row {
					sum += v * w[i]
				}
				if relu && sum < 0 {
					sum = 0
				}
				dst[o] = sum
			}
		})
	}

	return n.acts[len(n.layers)]
}

// Backward accumulates gradients for the most recent Forward batch.
// dout is the loss gradient with respect to the network output.
func (n *Net) Backward(dout []float32) {
	delta, next := n.da[:n.batch*n.layers[len(n.layers)-1].out], n.db
	copy(delta, dout)

	for li := len(n.layers) - 1; li >= 0; li-- {
		l := &n.layers[li]
		in := n.acts[li]

		// Weight and bias gradients, parallel over output units so each
		// worker owns disjoint gw rows.
		forEach(l.out, n.Workers, func(o int) {
			gw := l.gw[o*l.in : (o+1)*l.in]
			var gb float32
			for r := 0; r < n.batch; r++ {
				d := delta[r*l.out+o]
				gb += d
				row := in[r*l.in : (r+1)*l.in]
				for i, v := range row {
					gw[i] += d * v
				}
			}
			l.gb[o] += gb
		})

		if li == 0 {
			break
		}

		// Propagate the delta through the weights, masking where the
		// ReLU below was inactive.
		nd := next[:n.batch*l.in]
		forEach(n.batch, n.Workers, func(r int) {
			drow := delta[r*l.out : (r+1)*l.out]
			dst := nd[r*l.in : (r+1)*l.in]
			act := in[r*l.in : (r+1)*l.in]
			for i := 0; i < l.in; i++ {
				if act[i] <= 0 {
					dst[i] = 0

					continue
				}
				var sum float32
				for o, d := range drow {
					sum += d * l.w[o*l.in+i]
				}
				dst[i] = sum
			}
		})

		delta, next = nd, delta[:cap(delta)]
	}
}

// Step applies one SGD update, w <- w - lr*g.
func (n *Net) Step(lr float32) {
	for i, g := range n.grads {
		n.params[i] -= lr * g
	}
}

// ZeroGrad clears the gradient buffer.
func (n *Net) ZeroGrad() {
	clear(n.grads)
}

func (n *Net) ensureBuffers(batch int) {
	if n.batch == batch {
		return
	}
	n.batch = batch

	n.acts = make([][]float32, len(n.layers)+1)
	maxDim := 0
	for i, l := range n.layers {
		n.acts[i+1] = make([]float32, batch*l.out)
		if l.in > maxDim {
			maxDim = l.in
		}
		if l.out > maxDim {
			maxDim = l.out
		}
	}

	n.da = make([]float32, batch*maxDim)
	n.db = make([]float32, batch*maxDim)
}

// MSELoss returns the mean squared error between pred and target along
// with the gradient of the loss with respect to pred.
func MSELoss(pred, target []float32) (float64, []float32) {
	grad := make([]float32, len(pred))
	inv := 1 / float64(len(pred))

	var sum float64
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		sum += d * d
		grad[i] = float32(2 * d * inv)
	}

	return sum * inv, grad
}

// forEach runs body(i) for i in [0, n) over a bounded number of
// goroutines. Each index is processed exactly once; the call returns
// when all have finished.
func forEach(n, workers int, body func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			body(i)
		}

		return
	}

	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			body(i)
		}(i)
	}

	wg.Wait()
}
