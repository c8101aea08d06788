package grade

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

// Grading thresholds for the standard profile. They predate the modes
// profile and are deliberately not reconciled with it.
const (
	standardReportMinChars = 500
	minBusBandwidthGBs     = 10.0
)

// StandardChecks is the transport-tuning grading profile: baseline and
// optimized timings, a shorter report with transport keywords, and the
// optional nccl-tests bandwidth log and environment dump.
func StandardChecks() []Check {
	return []Check{
		{"Baseline timing exists", checkBaselineTiming},
		{"Optimized timing exists", checkOptimizedStandard},
		{"Overall speedup ≥3x", checkOverallSpeedup},
		{"Optimization report exists", checkReportExistsStandard},
		{"Report transport keywords", checkReportTransportKeywords},
		{"NCCL bus bandwidth", checkBusBandwidth},
		{"NCCL environment dump", checkNCCLEnvDump},
	}
}

func checkOptimizedStandard(ws workspace.Dir, out io.Writer) error {
	v, err := ws.ReadTiming(workspace.OptimizedTiming)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ Optimized: %.1f ms/iter\n", v*1000)

	return nil
}

func checkReportExistsStandard(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.OptimizationReport)
	if err != nil {
		return err
	}

	n := utf8.RuneCountInString(content)
	if n < standardReportMinChars {
		return fmt.Errorf("Report too short: %d chars (minimum: %d)",
			n, standardReportMinChars)
	}

	fmt.Fprintf(out, "✓ Report exists (%d characters)\n", n)

	return nil
}

// checkReportTransportKeywords requires the report to name the
// communication library, an RDMA transport, and GID addressing.
func checkReportTransportKeywords(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.OptimizationReport)
	if err != nil {
		return err
	}

	text := strings.ToLower(content)

	var missing []string

	if !strings.Contains(text, "nccl") {
		missing = append(missing, "nccl")
	}
	if !strings.Contains(text, "rdma") &&
		!strings.Contains(text, "roce") &&
		!strings.Contains(text, "infiniband") {
		missing = append(missing, "rdma/roce/infiniband")
	}
	if !strings.Contains(text, "gid") {
		missing = append(missing, "gid")
	}

	if len(missing) > 0 {
		return fmt.Errorf("Report missing required keywords: %s",
			strings.Join(missing, ", "))
	}

	fmt.Fprintln(out, "✓ Report covers NCCL transport configuration")

	return nil
}

// busBandwidthRegex matches the nccl-tests summary line, e.g.
// "# Avg bus bandwidth    : 11.27".
var busBandwidthRegex = regexp.MustCompile(`Avg bus bandwidth\s*:\s*([0-9]+(?:\.[0-9]+)?)`)

func parseBusBandwidth(content string) (float64, bool) {
	m := busBandwidthRegex.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}

	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

func checkBusBandwidth(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.AllReducePerfLog)
	if errors.Is(err, workspace.ErrNotFound) {
		fmt.Fprintln(out, "  Info: allreduce_perf.log not present, skipping")

		return nil
	}
	if err != nil {
		return err
	}

	bw, ok := parseBusBandwidth(content)
	if !ok {
		return fmt.Errorf("allreduce_perf.log has no Avg bus bandwidth line")
	}

	if bw < minBusBandwidthGBs {
		return fmt.Errorf("Bus bandwidth %.2f GB/s < %.1f GB/s required",
			bw, minBusBandwidthGBs)
	}

	fmt.Fprintf(out, "✓ Bus bandwidth: %.2f GB/s\n", bw)

	return nil
}

// transportMarkers are the NCCL knobs scanned for in the environment
// dump. Presence is reported, never required.
var transportMarkers = []string{
	"NCCL_IB_GID_INDEX",
	"NCCL_IB_TC",
	"NCCL_IB_SL",
	"NCCL_IB_HCA",
	"NCCL_SOCKET_IFNAME",
	"NCCL_NET_GDR_LEVEL",
}

func checkNCCLEnvDump(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.NCCLEnvDump)
	if errors.Is(err, workspace.ErrNotFound) {
		fmt.Fprintln(out, "  Info: nccl_env.txt not present, skipping")

		return nil
	}
	if err != nil {
		return err
	}

	var found []string

	for _, marker := range transportMarkers {
		if strings.Contains(content, marker) {
			found = append(found, marker)
		}
	}

	if len(found) == 0 {
		fmt.Fprintln(out, "  Info: no transport tuning variables recorded")

		return nil
	}

	fmt.Fprintf(out, "✓ Transport tuning recorded: %s\n",
		strings.Join(found, ", "))

	return nil
}
