package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/dist"
	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func soloGroup(t *testing.T) *dist.Group {
	t.Helper()

	g, err := dist.Init(context.Background(), dist.Config{Rank: 0, WorldSize: 1})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	return g
}

func smallParams() Params {
	return Params{
		Dims:         []int{8, 16, 8},
		BatchSize:    4,
		LearningRate: 0.01,
		WarmupIters:  2,
		TimedIters:   5,
		Seed:         42,
		Workers:      2,
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()

	wantDims := []int{2048, 8192, 8192, 8192, 2048}
	if len(p.Dims) != len(wantDims) {
		t.Fatalf("dims = %v, want %v", p.Dims, wantDims)
	}
	for i, d := range wantDims {
		if p.Dims[i] != d {
			t.Errorf("dims[%d] = %d, want %d", i, p.Dims[i], d)
		}
	}

	if p.BatchSize != 128 {
		t.Errorf("batch = %d, want 128", p.BatchSize)
	}
	if p.WarmupIters != 10 || p.TimedIters != 50 {
		t.Errorf("iterations = %d warmup + %d timed, want 10 + 50",
			p.WarmupIters, p.TimedIters)
	}
	if p.LearningRate != 0.01 {
		t.Errorf("lr = %g, want 0.01", p.LearningRate)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"single dim", func(p *Params) { p.Dims = []int{4} }},
		{"zero batch", func(p *Params) { p.BatchSize = 0 }},
		{"negative warmup", func(p *Params) { p.WarmupIters = -1 }},
		{"zero timed", func(p *Params) { p.TimedIters = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := smallParams()
			tt.mutate(&p)

			if err := p.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBatchGenDeterministic(t *testing.T) {
	a := NewBatchGen(7, 3, 4, 2)
	b := NewBatchGen(7, 3, 4, 2)

	for iter := 0; iter < 3; iter++ {
		da, ta := a.Next()
		db, tb := b.Next()

		if len(da) != 3*4 || len(ta) != 3*2 {
			t.Fatalf("batch shapes %d/%d, want 12/6", len(da), len(ta))
		}

		for i := range da {
			if da[i] != db[i] {
				t.Fatalf("iter %d: data[%d] differs: %g vs %g",
					iter, i, da[i], db[i])
			}
		}
		for i := range ta {
			if ta[i] != tb[i] {
				t.Fatalf("iter %d: target[%d] differs: %g vs %g",
					iter, i, ta[i], tb[i])
			}
		}
	}
}

func TestBatchGenSeedsDiffer(t *testing.T) {
	a := NewBatchGen(1, 2, 8, 8)
	b := NewBatchGen(2, 2, 8, 8)

	da, _ := a.Next()
	db, _ := b.Next()

	same := true
	for i := range da {
		if da[i] != db[i] {
			same = false

			break
		}
	}
	if same {
		t.Error("different seeds produced identical batches")
	}
}

func TestRunSingleProcess(t *testing.T) {
	g := soloGroup(t)

	var out bytes.Buffer

	res, err := Run(context.Background(), discardLogger(), &out, g, smallParams())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.WorldSize != 1 {
		t.Errorf("WorldSize = %d, want 1", res.WorldSize)
	}
	if res.Iterations != 5 {
		t.Errorf("Iterations = %d, want 5", res.Iterations)
	}
	if res.AvgSeconds <= 0 {
		t.Errorf("AvgSeconds = %g, want > 0", res.AvgSeconds)
	}
	if res.MinSeconds > res.AvgSeconds || res.AvgSeconds > res.MaxSeconds {
		t.Errorf("min %g, avg %g, max %g out of order",
			res.MinSeconds, res.AvgSeconds, res.MaxSeconds)
	}
	if math.Abs(res.Throughput*res.AvgSeconds-1) > 1e-9 {
		t.Errorf("Throughput %g is not 1/avg", res.Throughput)
	}

	text := out.String()
	for _, want := range []string{
		"DDP Training Benchmark",
		"World size: 1",
		"Transport: local",
		"Running warmup iterations...",
		"Running 5 timed iterations...",
		"Average iteration time:",
		"Throughput:",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRunRollingAverage(t *testing.T) {
	g := soloGroup(t)

	p := smallParams()
	p.TimedIters = 10

	var out bytes.Buffer
	if _, err := Run(context.Background(), discardLogger(), &out, g, p); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !strings.Contains(out.String(), "Iterations 1-10: avg") {
		t.Errorf("output missing rolling average line:\n%s", out.String())
	}
}

func TestRunInvalidParams(t *testing.T) {
	g := soloGroup(t)

	p := smallParams()
	p.Dims = nil

	if _, err := Run(context.Background(), discardLogger(), io.Discard, g, p); err == nil {
		t.Error("expected error for invalid params")
	}
}

func TestRunTwoRanks(t *testing.T) {
	port := freePort(t)

	const world = 2

	var (
		wg   sync.WaitGroup
		outs [world]bytes.Buffer
		ress [world]*Result
		errs [world]error
	)

	wg.Add(world)

	for rank := 0; rank < world; rank++ {
		go func(rank int) {
			defer wg.Done()

			g, err := dist.Init(context.Background(), dist.Config{
				Rank:       rank,
				WorldSize:  world,
				MasterAddr: "127.0.0.1",
				MasterPort: port,
				Timeout:    30 * time.Second,
			})
			if err != nil {
				errs[rank] = err

				return
			}
			defer g.Close()

			ress[rank], errs[rank] = Run(
				context.Background(), discardLogger(), &outs[rank], g, smallParams(),
			)
		}(rank)
	}

	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	if !strings.Contains(outs[0].String(), "World size: 2") {
		t.Errorf("rank 0 output missing banner:\n%s", outs[0].String())
	}
	if outs[1].Len() != 0 {
		t.Errorf("rank 1 wrote output: %q", outs[1].String())
	}

	for rank, res := range ress {
		if res.WorldSize != world {
			t.Errorf("rank %d WorldSize = %d, want %d",
				rank, res.WorldSize, world)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestWriteResult(t *testing.T) {
	ws := workspace.New(t.TempDir())

	res := &Result{
		AvgSeconds: 0.045,
		MinSeconds: 0.040,
		MaxSeconds: 0.052,
		Throughput: 1 / 0.045,
		WorldSize:  2,
		Iterations: 50,
	}

	if err := WriteResult(ws, res); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}

	content, err := ws.ReadText(workspace.ResultJSON)
	if err != nil {
		t.Fatalf("ReadText failed: %v", err)
	}
	if !strings.Contains(content, `"avg_seconds": 0.045`) {
		t.Errorf("result JSON missing average:\n%s", content)
	}

	var parsed Result
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if parsed != *res {
		t.Errorf("round trip = %+v, want %+v", parsed, *res)
	}
}

func TestSimulateBaseline(t *testing.T) {
	ws := workspace.New(t.TempDir())

	var out bytes.Buffer
	if err := SimulateBaseline(&out, ws); err != nil {
		t.Fatalf("SimulateBaseline failed: %v", err)
	}

	v, err := ws.ReadTiming(workspace.BaselineTiming)
	if err != nil {
		t.Fatalf("ReadTiming failed: %v", err)
	}
	if v != BaselineSeconds {
		t.Errorf("baseline = %g, want %g", v, BaselineSeconds)
	}

	text := out.String()
	for _, want := range []string{
		"Simulated Baseline Performance (TCP Fallback)",
		"Average iteration time: 150.00 ms",
		"Baseline timing saved to",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestNCCLEnv(t *testing.T) {
	t.Setenv("NCCL_IB_TC", "136")
	t.Setenv("NCCL_SOCKET_IFNAME", "eth0")
	t.Setenv("UNRELATED_VAR", "1")

	vars := NCCLEnv()

	joined := strings.Join(vars, "\n")
	if !strings.Contains(joined, "NCCL_IB_TC=136") {
		t.Errorf("NCCLEnv missing NCCL_IB_TC: %v", vars)
	}
	if !strings.Contains(joined, "NCCL_SOCKET_IFNAME=eth0") {
		t.Errorf("NCCLEnv missing NCCL_SOCKET_IFNAME: %v", vars)
	}
	if strings.Contains(joined, "UNRELATED_VAR") {
		t.Errorf("NCCLEnv leaked unrelated variable: %v", vars)
	}

	for i := 1; i < len(vars); i++ {
		if vars[i-1] > vars[i] {
			t.Errorf("NCCLEnv not sorted: %v", vars)
		}
	}
}

func TestDumpNCCLEnv(t *testing.T) {
	t.Setenv("NCCL_IB_GID_INDEX", "3")

	ws := workspace.New(t.TempDir())
	if err := DumpNCCLEnv(ws); err != nil {
		t.Fatalf("DumpNCCLEnv failed: %v", err)
	}

	content, err := ws.ReadText(workspace.NCCLEnvDump)
	if err != nil {
		t.Fatalf("ReadText failed: %v", err)
	}
	if !strings.Contains(content, "NCCL_IB_GID_INDEX=3") {
		t.Errorf("dump missing variable: %q", content)
	}
}

func TestChildEnv(t *testing.T) {
	cfg := LaunchConfig{
		NumProcs:   4,
		MasterAddr: "127.0.0.1",
		MasterPort: 29500,
	}

	env := childEnv(2, cfg)
	joined := strings.Join(env, "\n")

	for _, want := range []string{
		"RANK=2",
		"WORLD_SIZE=4",
		"LOCAL_RANK=2",
		"MASTER_ADDR=127.0.0.1",
		"MASTER_PORT=29500",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("childEnv missing %q", want)
		}
	}
}

func TestLauncherRejectsBadNproc(t *testing.T) {
	l := NewLauncher("/bin/true", discardLogger())

	_, err := l.Run(context.Background(), workspace.New(t.TempDir()), LaunchConfig{
		NumProcs: 0,
	})
	if err == nil {
		t.Error("expected error for nproc 0")
	}
}
