package bench

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/dist"
	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

// printBanner writes the rank-0 header: world size, transport, host
// CPU, and the NCCL tuning environment.
func printBanner(w io.Writer, group *dist.Group) {
	line := strings.Repeat("=", 60)

	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "DDP Training Benchmark")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "World size: %d\n", group.WorldSize())
	fmt.Fprintf(w, "Transport: %s\n", group.Transport())
	fmt.Fprintf(w, "CPU: %s (%d cores, avx2=%v)\n",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "NCCL Environment Variables:")

	for _, kv := range NCCLEnv() {
		fmt.Fprintf(w, "  %s\n", kv)
	}

	fmt.Fprintln(w)
}

// printResults writes the rank-0 summary block.
func printResults(w io.Writer, r *Result) {
	line := strings.Repeat("=", 60)

	fmt.Fprintln(w)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "Results")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Average iteration time: %.2f ms\n", r.AvgSeconds*1000)
	fmt.Fprintf(w, "Min iteration time:     %.2f ms\n", r.MinSeconds*1000)
	fmt.Fprintf(w, "Max iteration time:     %.2f ms\n", r.MaxSeconds*1000)
	fmt.Fprintf(w, "Throughput:             %.2f iter/s\n", r.Throughput)
	fmt.Fprintln(w, line)
}

// NCCLEnv returns every NAME=value environment entry whose name
// contains "NCCL", sorted. The variables are printed and dumped for
// diagnostics only, never parsed.
func NCCLEnv() []string {
	var vars []string

	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && strings.Contains(name, "NCCL") {
			vars = append(vars, kv)
		}
	}

	sort.Strings(vars)

	return vars
}

// DumpNCCLEnv writes the NCCL environment snapshot to the workspace
// env dump artifact.
func DumpNCCLEnv(ws workspace.Dir) error {
	vars := NCCLEnv()

	content := strings.Join(vars, "\n")
	if len(vars) > 0 {
		content += "\n"
	}

	return ws.WriteText(workspace.NCCLEnvDump, content)
}
