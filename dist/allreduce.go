package dist

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// AllReduce sums buf element-wise across all ranks, leaving the full
// result in every rank's buffer. The implementation is the classic ring
// algorithm: the buffer is split into one chunk per rank, a
// reduce-scatter phase accumulates each chunk around the ring, and an
// allgather phase circulates the completed chunks, 2(P-1) steps total.
// Every rank must call AllReduce with a buffer of the same length.
func (g *Group) AllReduce(buf []float32) error {
	if g.world == 1 || len(buf) == 0 {
		return nil
	}
	if g.right == nil || g.left == nil {
		return fmt.Errorf("process group is closed")
	}

	deadline := time.Now().Add(g.timeout)
	g.right.SetDeadline(deadline)
	g.left.SetDeadline(deadline)

	maxChunk := chunkLen(len(buf), g.world, 0)
	if cap(g.scratch) < maxChunk {
		g.scratch = make([]float32, maxChunk)
	}

	// Reduce-scatter: at step s, send chunk (rank-s) and fold the
	// incoming chunk (rank-s-1) into the local buffer. After P-1 steps
	// this rank holds the fully reduced chunk (rank+1).
	for s := 0; s < g.world-1; s++ {
		sendIdx := mod(g.rank-s, g.world)
		recvIdx := mod(g.rank-s-1, g.world)

		recv, err := g.exchange(buf, sendIdx, recvIdx)
		if err != nil {
			return fmt.Errorf("reduce-scatter step %d: %w", s, err)
		}

		lo, hi := chunkRange(len(buf), g.world, recvIdx)
		dst := buf[lo:hi]
		for i, v := range recv {
			dst[i] += v
		}
	}

	// Allgather: circulate the completed chunks. At step s, send chunk
	// (rank+1-s) and overwrite chunk (rank-s) with the incoming data.
	for s := 0; s < g.world-1; s++ {
		sendIdx := mod(g.rank+1-s, g.world)
		recvIdx := mod(g.rank-s, g.world)

		recv, err := g.exchange(buf, sendIdx, recvIdx)
		if err != nil {
			return fmt.Errorf("allgather step %d: %w", s, err)
		}

		lo, hi := chunkRange(len(buf), g.world, recvIdx)
		copy(buf[lo:hi], recv)
	}

	return nil
}

// Barrier blocks until every rank has reached it.
func (g *Group) Barrier() error {
	var one [1]float32

	if err := g.AllReduce(one[:]); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}

	return nil
}

// exchange sends chunk sendIdx to the right neighbor while receiving
// chunk recvIdx from the left. Send and receive run concurrently so
// that a full socket buffer on one side cannot deadlock the ring.
func (g *Group) exchange(buf []float32, sendIdx, recvIdx int) ([]float32, error) {
	slo, shi := chunkRange(len(buf), g.world, sendIdx)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- g.sendChunk(buf[slo:shi])
	}()

	recv := g.scratch[:chunkLen(len(buf), g.world, recvIdx)]
	recvErr := g.recvChunk(recv)

	if err := <-sendErr; err != nil {
		return nil, err
	}
	if recvErr != nil {
		return nil, recvErr
	}

	return recv, nil
}

// sendChunk writes one length-prefixed little-endian float32 frame to
// the right neighbor.
func (g *Group) sendChunk(chunk []float32) error {
	need := 4 + 4*len(chunk)
	if cap(g.sendBuf) < need {
		g.sendBuf = make([]byte, need)
	}

	frame := g.sendBuf[:need]
	binary.LittleEndian.PutUint32(frame, uint32(len(chunk)))
	for i, v := range chunk {
		binary.LittleEndian.PutUint32(frame[4+4*i:], math.Float32bits(v))
	}

	if _, err := g.right.Write(frame); err != nil {
		return fmt.Errorf("send chunk: %w", err)
	}

	return nil
}

// recvChunk reads one frame from the left neighbor into dst, which must
// have exactly the expected length.
func (g *Group) recvChunk(dst []float32) error {
	var hdr [4]byte
	if _, err := io.ReadFull(g.left, hdr[:]); err != nil {
		return fmt.Errorf("recv chunk header: %w", err)
	}

	if n := binary.LittleEndian.Uint32(hdr[:]); int(n) != len(dst) {
		return fmt.Errorf("chunk length %d, want %d", n, len(dst))
	}

	need := 4 * len(dst)
	if cap(g.recvBuf) < need {
		g.recvBuf = make([]byte, need)
	}

	frame := g.recvBuf[:need]
	if _, err := io.ReadFull(g.left, frame); err != nil {
		return fmt.Errorf("recv chunk: %w", err)
	}

	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[4*i:]))
	}

	return nil
}

// chunkRange returns the [lo, hi) bounds of chunk c when a buffer of n
// elements is split into world contiguous chunks. The first n%world
// chunks are one element longer, so chunks never differ by more than
// one element.
func chunkRange(n, world, c int) (lo, hi int) {
	q, r := n/world, n%world

	lo = c*q + min(c, r)
	hi = lo + q
	if c < r {
		hi++
	}

	return lo, hi
}

func chunkLen(n, world, c int) int {
	lo, hi := chunkRange(n, world, c)

	return hi - lo
}

func mod(a, m int) int {
	return ((a % m) + m) % m
}
