package bench

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

// LaunchConfig holds parameters for one local multi-process launch.
type LaunchConfig struct {
	NumProcs   int
	MasterAddr string
	MasterPort int
	Output     string   // timing artifact rank 0 writes
	Args       []string // extra arguments forwarded to each rank's run command
	Timeout    time.Duration
}

// Launcher spawns one benchmark process per rank on the local host,
// torchrun-style: every child runs this binary's run command with the
// rendezvous environment set and NCCL_* variables inherited.
type Launcher struct {
	BinaryPath string
	Stdout     io.Writer // rank 0 child output; other ranks are discarded
	Logger     *slog.Logger
}

// NewLauncher creates a Launcher that execs the given binary.
func NewLauncher(binaryPath string, logger *slog.Logger) *Launcher {
	return &Launcher{
		BinaryPath: binaryPath,
		Stdout:     os.Stdout,
		Logger:     logger.With(slog.String("component", "launcher")),
	}
}

// Run launches the ranks, waits for all of them, and returns the
// averaged iteration time rank 0 recorded. The first rank failure
// cancels the remaining ranks.
func (l *Launcher) Run(
	ctx context.Context,
	ws workspace.Dir,
	cfg LaunchConfig,
) (float64, error) {
	if cfg.NumProcs < 1 {
		return 0, fmt.Errorf("nproc %d < 1", cfg.NumProcs)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	master := net.JoinHostPort(cfg.MasterAddr, strconv.Itoa(cfg.MasterPort))

	l.Logger.InfoContext(ctx, "launching ranks",
		slog.Int("nproc", cfg.NumProcs),
		slog.String("master", master),
		slog.String("binary", l.BinaryPath),
	)

	wallStart := time.Now()

	g, ctx := errgroup.WithContext(ctx)

	for rank := 0; rank < cfg.NumProcs; rank++ {
		g.Go(func() error {
			return l.runRank(ctx, ws, cfg, rank)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	l.Logger.Info("all ranks finished",
		slog.Duration("wall_time", time.Since(wallStart)),
	)

	avg, err := ws.ReadTiming(cfg.Output)
	if err != nil {
		return 0, fmt.Errorf("read rank 0 timing: %w", err)
	}

	return avg, nil
}

func (l *Launcher) runRank(
	ctx context.Context,
	ws workspace.Dir,
	cfg LaunchConfig,
	rank int,
) error {
	args := make([]string, 0, len(cfg.Args)+5)
	args = append(args, "run", "--workspace", ws.Root(), "--output", cfg.Output)
	args = append(args, cfg.Args...)

	cmd := exec.CommandContext(ctx, l.BinaryPath, args...)
	cmd.Env = childEnv(rank, cfg)

	if rank == 0 {
		cmd.Stdout = l.Stdout
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	l.Logger.Info("starting rank", slog.Int("rank", rank))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rank %d failed: %w\nstderr: %s",
			rank, err, stderr.String())
	}

	return nil
}

// childEnv extends the inherited environment with the rendezvous
// variables for one rank. Later entries win, so these override any
// values set in the parent.
func childEnv(rank int, cfg LaunchConfig) []string {
	return append(os.Environ(),
		"RANK="+strconv.Itoa(rank),
		"WORLD_SIZE="+strconv.Itoa(cfg.NumProcs),
		"LOCAL_RANK="+strconv.Itoa(rank),
		"MASTER_ADDR="+cfg.MasterAddr,
		"MASTER_PORT="+strconv.Itoa(cfg.MasterPort),
	)
}
