// Package main provides the CLI entry point for ncclbench, a distributed
// training benchmark and grading harness for NCCL transport tuning.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/bench"
	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/dist"
	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/grade"
	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/report"
	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "ncclbench",
		Short: "DDP training benchmark and grading harness for NCCL transport tuning",
		Long: `Ncclbench times a synthetic data-parallel training workload over a
TCP ring, records per-transport-mode iteration timings in a shared workspace,
and verifies the recorded artifacts against grading thresholds (RoCEv2 PFC vs
ECN vs Hybrid vs InfiniBand).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newLaunchCmd(logger))
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newChartCmd(logger))

	return root
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		workspaceDir string
		configPath   string
		baseline     bool
		output       string
		dims         []int
		batchSize    int
		learningRate float64
		warmupIters  int
		timedIters   int
		seed         int64
		workers      int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DDP training benchmark and record its timing",
		Long: `Run times a synthetic data-parallel training loop and writes the
average seconds per iteration into the workspace. Rank and rendezvous
come from RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT. With --baseline
it records the simulated TCP fallback timing instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			changed := cmd.Flags().Changed

			if file.Workspace != "" && !changed("workspace") {
				workspaceDir = file.Workspace
			}
			if len(file.Bench.Dims) > 0 && !changed("dims") {
				dims = file.Bench.Dims
			}
			if file.Bench.BatchSize > 0 && !changed("batch") {
				batchSize = file.Bench.BatchSize
			}
			if file.Bench.LearningRate > 0 && !changed("lr") {
				learningRate = file.Bench.LearningRate
			}
			if file.Bench.WarmupIters > 0 && !changed("warmup") {
				warmupIters = file.Bench.WarmupIters
			}
			if file.Bench.TimedIters > 0 && !changed("iters") {
				timedIters = file.Bench.TimedIters
			}
			if file.Bench.Seed != 0 && !changed("seed") {
				seed = file.Bench.Seed
			}
			if file.Bench.Workers > 0 && !changed("workers") {
				workers = file.Bench.Workers
			}

			return runBenchmark(cmd.Context(), logger, cmd.OutOrStdout(), runConfig{
				workspaceDir: workspaceDir,
				baseline:     baseline,
				output:       output,
				params: bench.Params{
					Dims:         dims,
					BatchSize:    batchSize,
					LearningRate: float32(learningRate),
					WarmupIters:  warmupIters,
					TimedIters:   timedIters,
					Seed:         seed,
					Workers:      workers,
				},
			})
		},
	}

	defaults := bench.DefaultParams()

	flags := cmd.Flags()
	flags.StringVar(&workspaceDir, "workspace", workspace.DefaultPath,
		"Workspace directory for timing artifacts")
	flags.StringVar(&configPath, "config", "",
		"Path to TOML config file")
	flags.BoolVar(&baseline, "baseline", false,
		"Record the simulated TCP fallback baseline instead of benchmarking")
	flags.StringVar(&output, "output", workspace.OptimizedTiming,
		"Timing artifact to write (per-mode runs pick their own file)")
	flags.IntSliceVar(&dims, "dims", defaults.Dims,
		"Layer dimensions of the model")
	flags.IntVar(&batchSize, "batch", defaults.BatchSize,
		"Per-rank batch size")
	flags.Float64Var(&learningRate, "lr", 0.01,
		"SGD learning rate")
	flags.IntVar(&warmupIters, "warmup", defaults.WarmupIters,
		"Warmup iterations before timing starts")
	flags.IntVar(&timedIters, "iters", defaults.TimedIters,
		"Timed iterations")
	flags.Int64Var(&seed, "seed", defaults.Seed,
		"Seed for model parameters and synthetic data")
	flags.IntVar(&workers, "workers", defaults.Workers,
		"Matmul worker goroutines (0 = one per core)")

	return cmd
}

type runConfig struct {
	workspaceDir string
	baseline     bool
	output       string
	params       bench.Params
}

func runBenchmark(
	ctx context.Context,
	logger *slog.Logger,
	out io.Writer,
	cfg runConfig,
) error {
	ws := workspace.New(cfg.workspaceDir)

	if cfg.baseline {
		return bench.SimulateBaseline(out, ws)
	}

	distCfg, err := dist.ConfigFromEnv()
	if err != nil {
		return err
	}

	logger = logger.With(slog.Int("rank", distCfg.Rank))

	logger.InfoContext(ctx, "joining process group",
		slog.Int("world_size", distCfg.WorldSize),
		slog.String("master", net.JoinHostPort(
			distCfg.MasterAddr, strconv.Itoa(distCfg.MasterPort),
		)),
	)

	group, err := dist.Init(ctx, distCfg)
	if err != nil {
		return fmt.Errorf("init process group: %w", err)
	}
	defer group.Close()

	result, err := bench.Run(ctx, logger, out, group, cfg.params)
	if err != nil {
		return fmt.Errorf("run benchmark: %w", err)
	}

	// Only rank 0 persists results, matching what it printed.
	if group.Rank() != 0 {
		return nil
	}

	if err := ws.WriteTiming(cfg.output, result.AvgSeconds); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTiming saved to %s\n", ws.Path(cfg.output))

	if err := bench.WriteResult(ws, result); err != nil {
		logger.Warn("failed to record result summary",
			slog.String("error", err.Error()),
		)
	}

	if err := bench.DumpNCCLEnv(ws); err != nil {
		logger.Warn("failed to dump NCCL environment",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func newLaunchCmd(logger *slog.Logger) *cobra.Command {
	var (
		workspaceDir string
		configPath   string
		nproc        int
		masterAddr   string
		masterPort   int
		output       string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "launch [-- benchmark flags]",
		Short: "Run a multi-process benchmark on this host",
		Long: `Launch spawns nproc copies of this binary running the benchmark,
wires up their rendezvous environment, and waits for every rank to
finish. Flags after -- are passed through to the per-rank run command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			changed := cmd.Flags().Changed

			if file.Workspace != "" && !changed("workspace") {
				workspaceDir = file.Workspace
			}
			if file.Launch.NumProcs > 0 && !changed("nproc") {
				nproc = file.Launch.NumProcs
			}
			if file.Launch.MasterAddr != "" && !changed("master-addr") {
				masterAddr = file.Launch.MasterAddr
			}
			if file.Launch.MasterPort > 0 && !changed("master-port") {
				masterPort = file.Launch.MasterPort
			}

			bin, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own binary: %w", err)
			}

			extra := args
			if configPath != "" {
				extra = append([]string{"--config", configPath}, extra...)
			}

			launcher := bench.NewLauncher(bin, logger)

			avg, err := launcher.Run(cmd.Context(), workspace.New(workspaceDir),
				bench.LaunchConfig{
					NumProcs:   nproc,
					MasterAddr: masterAddr,
					MasterPort: masterPort,
					Output:     output,
					Args:       extra,
					Timeout:    timeout,
				})
			if err != nil {
				return err
			}

			logger.InfoContext(cmd.Context(), "all ranks finished",
				slog.Float64("avg_seconds", avg))

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&workspaceDir, "workspace", workspace.DefaultPath,
		"Workspace directory for timing artifacts")
	flags.StringVar(&configPath, "config", "",
		"Path to TOML config file (also passed to the ranks)")
	flags.IntVar(&nproc, "nproc", 4,
		"Number of rank processes to launch")
	flags.StringVar(&masterAddr, "master-addr", "127.0.0.1",
		"Rendezvous address for the process group")
	flags.IntVar(&masterPort, "master-port", 29500,
		"Rendezvous port for the process group")
	flags.StringVar(&output, "output", workspace.OptimizedTiming,
		"Timing artifact rank 0 writes")
	flags.DurationVar(&timeout, "timeout", 30*time.Minute,
		"Wall-clock limit for the whole launch")

	return cmd
}

func newVerifyCmd() *cobra.Command {
	var workspaceDir string

	cmd := &cobra.Command{
		Use:   "verify [profile]",
		Short: "Check workspace artifacts against a grading profile",
		Long: `Verify runs a grading profile's checks against the workspace and
exits non-zero if any hard check fails. Profiles: modes (default),
standard.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"modes", "standard"},
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := "modes"
			if len(args) == 1 {
				profile = args[0]
			}

			title, checks, err := grade.Profile(profile)
			if err != nil {
				return err
			}

			sum := grade.Run(cmd.OutOrStdout(), workspace.New(workspaceDir),
				title, checks)
			if !sum.OK() {
				return fmt.Errorf("%d of %d checks failed",
					sum.Failed, sum.Passed+sum.Failed)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&workspaceDir, "workspace", workspace.DefaultPath,
		"Workspace directory to verify")

	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		workspaceDir string
		outputJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recorded timings as a comparison table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := report.Collect(workspace.New(workspaceDir))
			if err != nil {
				return err
			}

			if outputJSON {
				return report.GenerateJSON(cmd.OutOrStdout(), snap)
			}

			return report.Generate(cmd.OutOrStdout(), snap)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&workspaceDir, "workspace", workspace.DefaultPath,
		"Workspace directory holding timing artifacts")
	flags.BoolVar(&outputJSON, "json", false,
		"Output the snapshot as JSON instead of a table")

	return cmd
}

func newChartCmd(logger *slog.Logger) *cobra.Command {
	var (
		workspaceDir string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Render recorded timings as an HTML bar chart",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws := workspace.New(workspaceDir)

			snap, err := report.Collect(ws)
			if err != nil {
				return err
			}

			path := output
			if !filepath.IsAbs(path) {
				path = ws.Path(path)
			}

			if err := report.WriteChart(path, snap); err != nil {
				return err
			}

			logger.InfoContext(cmd.Context(), "chart written",
				slog.String("path", path))

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&workspaceDir, "workspace", workspace.DefaultPath,
		"Workspace directory holding timing artifacts")
	flags.StringVar(&output, "output", report.DefaultChartFile,
		"Chart file to write (relative paths land in the workspace)")

	return cmd
}
