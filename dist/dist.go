// Package dist provides the process group used for data-parallel
// gradient synchronization: env-style rendezvous over TCP, a ring
// allreduce, and a barrier. It deliberately covers only the
// initialize/allreduce/barrier/close lifecycle; there is no topology
// detection, no transport besides TCP, and no datatype generality
// beyond float32 sum.
package dist

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
)

// Config describes one rank's view of the process group.
type Config struct {
	Rank       int
	WorldSize  int
	LocalRank  int
	MasterAddr string
	MasterPort int

	// Timeout bounds rendezvous and each collective operation.
	Timeout time.Duration
}

// DefaultTimeout is applied when Config.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// ConfigFromEnv reads the rendezvous configuration from the
// conventional launcher environment: RANK, WORLD_SIZE, LOCAL_RANK,
// MASTER_ADDR, MASTER_PORT. Unset variables fall back to a
// single-process loopback setup.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Rank:       0,
		WorldSize:  1,
		MasterAddr: "127.0.0.1",
		MasterPort: 29500,
		Timeout:    DefaultTimeout,
	}

	var err error

	if cfg.Rank, err = intEnv("RANK", cfg.Rank); err != nil {
		return cfg, err
	}
	if cfg.WorldSize, err = intEnv("WORLD_SIZE", cfg.WorldSize); err != nil {
		return cfg, err
	}
	if cfg.LocalRank, err = intEnv("LOCAL_RANK", cfg.Rank); err != nil {
		return cfg, err
	}
	if addr := os.Getenv("MASTER_ADDR"); addr != "" {
		cfg.MasterAddr = addr
	}
	if cfg.MasterPort, err = intEnv("MASTER_PORT", cfg.MasterPort); err != nil {
		return cfg, err
	}

	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return cfg, fmt.Errorf(
			"RANK %d out of range for WORLD_SIZE %d", cfg.Rank, cfg.WorldSize,
		)
	}

	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", name, s, err)
	}

	return v, nil
}

// Group is an initialized process group. It is not safe for concurrent
// use; collectives are issued by the training loop one at a time.
type Group struct {
	rank    int
	world   int
	timeout time.Duration

	right      net.Conn     // send side of the ring
	left       net.Conn     // receive side of the ring
	rendezvous net.Listener // rank 0 only

	sendBuf []byte
	recvBuf []byte
	scratch []float32
}

type joinMsg struct {
	Rank int    `json:"rank"`
	Addr string `json:"addr"`
}

type tableMsg struct {
	Addrs []string `json:"addrs"`
}

type helloMsg struct {
	Rank int `json:"rank"`
}

// Init forms the process group. Rank 0 serves a rendezvous endpoint on
// MasterAddr:MasterPort; every rank registers its ring listener there
// and receives the full address table once all ranks have joined, then
// dials its right neighbor and accepts its left. A world size of one
// short-circuits to a group with no sockets at all.
func Init(ctx context.Context, cfg Config) (*Group, error) {
	if cfg.WorldSize < 1 {
		return nil, fmt.Errorf("world size %d < 1", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf(
			"rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize,
		)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g := &Group{rank: cfg.Rank, world: cfg.WorldSize, timeout: timeout}
	if cfg.WorldSize == 1 {
		return g, nil
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	master := net.JoinHostPort(cfg.MasterAddr, strconv.Itoa(cfg.MasterPort))

	// Every rank listens for its left neighbor before joining, so the
	// address it registers is immediately dialable.
	ringLn, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen ring: %w", err)
	}

	serveErr := make(chan error, 1)

	if cfg.Rank == 0 {
		ln, err := net.Listen("tcp", master)
		if err != nil {
			ringLn.Close()

			return nil, fmt.Errorf("listen rendezvous %s: %w", master, err)
		}
		g.rendezvous = ln

		go func() {
			serveErr <- serveRendezvous(ln, cfg.WorldSize, deadline)
		}()
	}

	ringPort := ringLn.Addr().(*net.TCPAddr).Port

	table, err := joinRendezvous(ctx, master, cfg.Rank, ringPort, deadline)
	if err != nil {
		g.Close()
		ringLn.Close()

		return nil, err
	}

	if cfg.Rank == 0 {
		if err := <-serveErr; err != nil {
			g.Close()
			ringLn.Close()

			return nil, err
		}
	}

	if len(table) != cfg.WorldSize {
		g.Close()
		ringLn.Close()

		return nil, fmt.Errorf(
			"address table has %d entries, want %d", len(table), cfg.WorldSize,
		)
	}

	if err := g.wireRing(ctx, ringLn, table, deadline); err != nil {
		g.Close()
		ringLn.Close()

		return nil, err
	}

	ringLn.Close()

	return g, nil
}

// serveRendezvous accepts one join per rank, then broadcasts the
// completed address table. Holding every connection open until the
// table is complete doubles as the startup barrier.
func serveRendezvous(ln net.Listener, world int, deadline time.Time) error {
	if tcp, ok := ln.(*net.TCPListener); ok {
		tcp.SetDeadline(deadline)
	}

	addrs := make([]string, world)
	conns := make([]net.Conn, 0, world)

	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for joined := 0; joined < world; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept rendezvous: %w", err)
		}
		conn.SetDeadline(deadline)
		conns = append(conns, conn)

		var j joinMsg
		if err := json.NewDecoder(conn).Decode(&j); err != nil {
			return fmt.Errorf("read join: %w", err)
		}
		if j.Rank < 0 || j.Rank >= world {
			return fmt.Errorf("join from invalid rank %d", j.Rank)
		}
		if addrs[j.Rank] != "" {
			return fmt.Errorf("duplicate join from rank %d", j.Rank)
		}

		addrs[j.Rank] = j.Addr
	}

	for _, c := range conns {
		if err := json.NewEncoder(c).Encode(tableMsg{Addrs: addrs}); err != nil {
			return fmt.Errorf("send address table: %w", err)
		}
	}

	return nil
}

// joinRendezvous dials the master with exponential backoff (rank 0 may
// not be listening yet), registers this rank's ring address, and blocks
// until the full table arrives.
func joinRendezvous(
	ctx context.Context,
	master string,
	rank, ringPort int,
	deadline time.Time,
) ([]string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = time.Until(deadline)

	var conn net.Conn

	op := func() error {
		c, err := net.DialTimeout("tcp", master, 2*time.Second)
		if err != nil {
			return err
		}
		conn = c

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dial rendezvous %s: %w", master, err)
	}
	defer conn.Close()

	conn.SetDeadline(deadline)

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("split local addr: %w", err)
	}
	ringAddr := net.JoinHostPort(host, strconv.Itoa(ringPort))

	if err := json.NewEncoder(conn).Encode(joinMsg{Rank: rank, Addr: ringAddr}); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	var table tableMsg
	if err := json.NewDecoder(conn).Decode(&table); err != nil {
		return nil, fmt.Errorf("read address table: %w", err)
	}

	return table.Addrs, nil
}

// wireRing connects this rank to its right neighbor and accepts the
// connection from its left.
func (g *Group) wireRing(
	ctx context.Context,
	ringLn net.Listener,
	table []string,
	deadline time.Time,
) error {
	rightAddr := table[(g.rank+1)%g.world]

	dialer := net.Dialer{Deadline: deadline}

	right, err := dialer.DialContext(ctx, "tcp", rightAddr)
	if err != nil {
		return fmt.Errorf("dial right neighbor %s: %w", rightAddr, err)
	}
	right.SetDeadline(deadline)

	if err := json.NewEncoder(right).Encode(helloMsg{Rank: g.rank}); err != nil {
		right.Close()

		return fmt.Errorf("send hello: %w", err)
	}

	if tcp, ok := ringLn.(*net.TCPListener); ok {
		tcp.SetDeadline(deadline)
	}

	left, err := ringLn.Accept()
	if err != nil {
		right.Close()

		return fmt.Errorf("accept left neighbor: %w", err)
	}
	left.SetDeadline(deadline)

	wantLeft := (g.rank + g.world - 1) % g.world

	var hello helloMsg
	if err := json.NewDecoder(left).Decode(&hello); err != nil {
		right.Close()
		left.Close()

		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Rank != wantLeft {
		right.Close()
		left.Close()

		return fmt.Errorf(
			"expected left neighbor rank %d, got %d", wantLeft, hello.Rank,
		)
	}

	right.SetDeadline(time.Time{})
	left.SetDeadline(time.Time{})
	g.right = right
	g.left = left

	return nil
}

// Rank returns this rank's index within the group.
func (g *Group) Rank() int {
	return g.rank
}

// WorldSize returns the number of ranks in the group.
func (g *Group) WorldSize() int {
	return g.world
}

// Transport names the synchronization path in use.
func (g *Group) Transport() string {
	if g.world == 1 {
		return "local"
	}

	return "tcp-ring"
}

// Close tears down the neighbor connections and, on rank 0, the
// rendezvous listener. Close is idempotent.
func (g *Group) Close() error {
	var first error

	if g.right != nil {
		if err := g.right.Close(); err != nil {
			first = err
		}
		g.right = nil
	}
	if g.left != nil {
		if err := g.left.Close(); err != nil && first == nil {
			first = err
		}
		g.left = nil
	}
	if g.rendezvous != nil {
		if err := g.rendezvous.Close(); err != nil && first == nil {
			first = err
		}
		g.rendezvous = nil
	}

	return first
}
