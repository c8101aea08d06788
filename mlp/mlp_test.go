package mlp

import (
	"math"
	mrand "math/rand"
	"testing"
)

func randSlice(rng *mrand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64())
	}

	return s
}

func TestNewValidation(t *testing.T) {
	if _, err := New([]int{4}, 1); err == nil {
		t.Error("expected error for a single dim")
	}
	if _, err := New([]int{4, 0, 2}, 1); err == nil {
		t.Error("expected error for a zero dim")
	}
}

func TestNewDeterministic(t *testing.T) {
	a, err := New([]int{4, 8, 2}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New([]int{4, 8, 2}, 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := range a.Params() {
		if a.Params()[i] != b.Params()[i] {
			t.Fatalf("param %d differs: %g vs %g",
				i, a.Params()[i], b.Params()[i])
		}
	}
}

func TestDims(t *testing.T) {
	net, err := New([]int{3, 5, 2}, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	dims := net.Dims()
	want := []int{3, 5, 2}
	if len(dims) != len(want) {
		t.Fatalf("Dims = %v, want %v", dims, want)
	}
	for i, d := range want {
		if dims[i] != d {
			t.Fatalf("Dims = %v, want %v", dims, want)
		}
	}

	dims[0] = 99
	if net.Dims()[0] != 3 {
		t.Error("Dims returned the live slice")
	}
}

func TestNumParams(t *testing.T) {
	net, err := New([]int{3, 5, 2}, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// 3*5+5 weights+biases into the hidden layer, 5*2+2 out of it.
	want := 3*5 + 5 + 5*2 + 2
	if got := net.NumParams(); got != want {
		t.Errorf("NumParams = %d, want %d", got, want)
	}
	if len(net.Grads()) != want {
		t.Errorf("len(Grads) = %d, want %d", len(net.Grads()), want)
	}
}

func TestMSELoss(t *testing.T) {
	pred := []float32{1, 2}
	target := []float32{0, 0}

	loss, grad := MSELoss(pred, target)

	if math.Abs(loss-2.5) > 1e-6 {
		t.Errorf("loss = %g, want 2.5", loss)
	}
	if grad[0] != 1 || grad[1] != 2 {
		t.Errorf("grad = %v, want [1 2]", grad)
	}

	loss, grad = MSELoss(pred, pred)
	if loss != 0 {
		t.Errorf("loss for identical slices = %g, want 0", loss)
	}
	if grad[0] != 0 || grad[1] != 0 {
		t.Errorf("grad for identical slices = %v, want zeros", grad)
	}
}

func TestBackwardMatchesNumericalGradient(t *testing.T) {
	net, err := New([]int{3, 5, 2}, 7)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	net.Workers = 1

	const batch = 2

	rng := mrand.New(mrand.NewSource(99))
	x := randSlice(rng, batch*3)
	target := randSlice(rng, batch*2)

	out := net.Forward(x, batch)
	_, dout := MSELoss(out, target)
	net.Backward(dout)

	analytic := append([]float32(nil), net.Grads()...)

	lossAt := func() float64 {
		loss, _ := MSELoss(net.Forward(x, batch), target)

		return loss
	}

	const eps = 1e-3

	params := net.Params()
	for i := 0; i < len(params); i += 3 {
		orig := params[i]

		params[i] = orig + eps
		up := lossAt()
		params[i] = orig - eps
		down := lossAt()
		params[i] = orig

		numeric := (up - down) / (2 * eps)
		diff := math.Abs(numeric - float64(analytic[i]))
		if diff > 0.02*math.Max(1, math.Abs(numeric)) {
			t.Errorf("param %d: analytic grad %g, numeric %g",
				i, analytic[i], numeric)
		}
	}
}

func TestForwardDeterministicAcrossWorkers(t *testing.T) {
	serial, err := New([]int{6, 12, 12, 4}, 11)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	serial.Workers = 1

	parallel, err := New([]int{6, 12, 12, 4}, 11)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	parallel.Workers = 4

	const batch = 8

	rng := mrand.New(mrand.NewSource(5))
	x := randSlice(rng, batch*6)
	target := randSlice(rng, batch*4)

	step := func(n *Net) {
		out := n.Forward(x, batch)
		_, dout := MSELoss(out, target)
		n.Backward(dout)
		n.Step(0.05)
		n.ZeroGrad()
	}

	for i := 0; i < 3; i++ {
		step(serial)
		step(parallel)
	}

	for i := range serial.Params() {
		if serial.Params()[i] != parallel.Params()[i] {
			t.Fatalf("param %d diverged: %g (serial) vs %g (parallel)",
				i, serial.Params()[i], parallel.Params()[i])
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	net, err := New([]int{4, 16, 4}, 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const batch = 8

	rng := mrand.New(mrand.NewSource(21))
	x := randSlice(rng, batch*4)
	target := randSlice(rng, batch*4)

	first, _ := MSELoss(net.Forward(x, batch), target)

	var last float64
	for i := 0; i < 60; i++ {
		out := net.Forward(x, batch)
		loss, dout := MSELoss(out, target)
		last = loss
		net.Backward(dout)
		net.Step(0.05)
		net.ZeroGrad()
	}

	if last >= first {
		t.Errorf("loss did not decrease: first %g, last %g", first, last)
	}
}

func TestZeroGrad(t *testing.T) {
	net, err := New([]int{2, 3, 1}, 9)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out := net.Forward([]float32{1, -1}, 1)
	_, dout := MSELoss(out, []float32{0.5})
	net.Backward(dout)

	nonZero := false
	for _, g := range net.Grads() {
		if g != 0 {
			nonZero = true

			break
		}
	}
	if !nonZero {
		t.Fatal("expected some non-zero gradients after Backward")
	}

	net.ZeroGrad()
	for i, g := range net.Grads() {
		if g != 0 {
			t.Fatalf("grad %d = %g after ZeroGrad", i, g)
		}
	}
}
