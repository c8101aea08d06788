package grade

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

// Grading thresholds for the modes profile.
const (
	minBaselineSeconds   = 0.1
	overallSpeedupTarget = 3.0
	roceVsIBTargetPct    = 90.0
	modesReportMinChars  = 800
)

// Soft per-mode speedup targets. Hybrid combines PFC and ECN and is
// expected to edge out both.
const (
	pfcSpeedupTarget    = 2.5
	ecnSpeedupTarget    = 3.0
	hybridSpeedupTarget = 3.3
)

// ModeChecks is the per-transport-mode grading profile: the TCP
// baseline, three RoCEv2 congestion-control modes, an InfiniBand
// reference, and a report that weighs PFC against ECN.
func ModeChecks() []Check {
	return []Check{
		{"Baseline timing exists", checkBaselineTiming},
		{"RoCEv2 PFC mode tested", checkRocePFCMode},
		{"RoCEv2 ECN mode tested", checkRoceECNMode},
		{"RoCEv2 Hybrid mode tested", checkRoceHybridMode},
		{"InfiniBand baseline", checkInfiniBandBaseline},
		{"Optimized timing exists", checkOptimizedTiming},
		{"Overall speedup ≥3x", checkOverallSpeedup},
		{"RoCEv2 ≥90% of IB", checkRoceVsIB},
		{"Optimization report exists", checkReportExists},
		{"Report: PFC vs ECN analysis", checkReportPFCvsECN},
		{"Report content quality", checkReportTopics},
		{"Solution completeness", checkCompleteness},
	}
}

func checkBaselineTiming(ws workspace.Dir, out io.Writer) error {
	v, err := ws.ReadTiming(workspace.BaselineTiming)
	if err != nil {
		return err
	}

	if v <= minBaselineSeconds {
		return fmt.Errorf("Baseline time too fast: %gs", v)
	}

	fmt.Fprintf(out, "✓ Baseline: %.1f ms/iter\n", v*1000)

	return nil
}

func checkRocePFCMode(ws workspace.Dir, out io.Writer) error {
	return checkRoceMode(ws, out, workspace.RocePFCTiming, "PFC",
		"  Warning: PFC mode not tested (optional but recommended)",
		pfcSpeedupTarget)
}

func checkRoceECNMode(ws workspace.Dir, out io.Writer) error {
	return checkRoceMode(ws, out, workspace.RoceECNTiming, "ECN",
		"  Warning: ECN mode not tested (optional but recommended)",
		ecnSpeedupTarget)
}

func checkRoceHybridMode(ws workspace.Dir, out io.Writer) error {
	return checkRoceMode(ws, out, workspace.RoceHybridTiming, "Hybrid",
		"  Info: Hybrid mode not tested (optional)",
		hybridSpeedupTarget)
}

// checkRoceMode grades one RoCEv2 congestion-control mode. The mode is
// optional; when tested, missing its speedup target is only noted.
func checkRoceMode(
	ws workspace.Dir,
	out io.Writer,
	file, mode, absentMsg string,
	target float64,
) error {
	v, err := ws.ReadTiming(file)
	if errors.Is(err, workspace.ErrNotFound) {
		fmt.Fprintln(out, absentMsg)

		return nil
	}
	if err != nil {
		return err
	}

	baseline, err := ws.ReadTiming(workspace.BaselineTiming)
	if err != nil {
		return err
	}

	speedup := baseline / v

	fmt.Fprintf(out, "✓ RoCEv2 %s: %.1f ms/iter (%.2fx speedup)\n",
		mode, v*1000, speedup)

	if speedup < target {
		fmt.Fprintf(out, "  Note: %s speedup could be better (%.2fx < %.1fx target)\n",
			mode, speedup, target)
	}

	return nil
}

func checkInfiniBandBaseline(ws workspace.Dir, out io.Writer) error {
	v, err := ws.ReadTiming(workspace.IBTiming)
	if errors.Is(err, workspace.ErrNotFound) {
		fmt.Fprintln(out, "  Info: InfiniBand baseline not tested (optional)")

		return nil
	}
	if err != nil {
		return err
	}

	baseline, err := ws.ReadTiming(workspace.BaselineTiming)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ InfiniBand: %.1f ms/iter (%.2fx speedup)\n",
		v*1000, baseline/v)

	return nil
}

func checkOptimizedTiming(ws workspace.Dir, out io.Writer) error {
	v, err := ws.ReadTiming(workspace.OptimizedTiming)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ Best mode: %.1f ms/iter\n", v*1000)

	return nil
}

func checkOverallSpeedup(ws workspace.Dir, out io.Writer) error {
	baseline, err := ws.ReadTiming(workspace.BaselineTiming)
	if err != nil {
		return err
	}

	optimized, err := ws.ReadTiming(workspace.OptimizedTiming)
	if err != nil {
		return err
	}

	speedup := baseline / optimized

	fmt.Fprintf(out, "  Overall speedup: %.2fx\n", speedup)

	if speedup < overallSpeedupTarget {
		return fmt.Errorf("Speedup %.2fx < 3.0x required", speedup)
	}

	fmt.Fprintf(out, "✓ Achieved %.2fx speedup (target: ≥3.0x)\n", speedup)

	return nil
}

// checkRoceVsIB compares the best RoCEv2 time against the InfiniBand
// reference. Lower is better, so ib/optimized is the relative
// performance. Skipped when no IB timing was recorded.
func checkRoceVsIB(ws workspace.Dir, out io.Writer) error {
	ib, err := ws.ReadTiming(workspace.IBTiming)
	if errors.Is(err, workspace.ErrNotFound) {
		fmt.Fprintln(out, "  Info: IB baseline missing, skipping comparison")

		return nil
	}
	if err != nil {
		return err
	}

	optimized, err := ws.ReadTiming(workspace.OptimizedTiming)
	if err != nil {
		return err
	}

	pct := ib / optimized * 100

	fmt.Fprintf(out, "  RoCEv2 best: %.1f ms\n", optimized*1000)
	fmt.Fprintf(out, "  InfiniBand:  %.1f ms\n", ib*1000)
	fmt.Fprintf(out, "  RoCEv2 = %.1f%% of IB performance\n", pct)

	if pct < roceVsIBTargetPct {
		return fmt.Errorf("RoCEv2 only %.1f%% of IB (need ≥90%%)", pct)
	}

	fmt.Fprintf(out, "✓ RoCEv2 achieved %.1f%% of IB performance (target: ≥90%%)\n", pct)

	return nil
}

func checkReportExists(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.OptimizationReport)
	if err != nil {
		return err
	}

	n := utf8.RuneCountInString(content)
	if n < modesReportMinChars {
		return fmt.Errorf("Report too short: %d chars (minimum: %d)",
			n, modesReportMinChars)
	}

	fmt.Fprintf(out, "✓ Report exists (%d characters)\n", n)

	return nil
}

func checkReportPFCvsECN(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.OptimizationReport)
	if err != nil {
		return err
	}

	text := strings.ToLower(content)

	hasPFC := strings.Contains(text, "pfc") &&
		strings.Contains(text, "priority flow control")
	hasECN := strings.Contains(text, "ecn") &&
		(strings.Contains(text, "explicit congestion") ||
			strings.Contains(text, "dcqcn"))
	hasComparison := strings.Contains(text, "vs") ||
		strings.Contains(text, "versus") ||
		strings.Contains(text, "compared")

	if !hasPFC {
		fmt.Fprintln(out, "  Warning: Report lacks PFC discussion")
	}
	if !hasECN {
		fmt.Fprintln(out, "  Warning: Report lacks ECN discussion")
	}

	if hasPFC && hasECN {
		fmt.Fprintln(out, "✓ Report discusses both PFC and ECN")
	}
	if hasComparison {
		fmt.Fprintln(out, "✓ Report includes mode comparison")
	}

	if !hasPFC || !hasECN {
		return fmt.Errorf("Report must analyze both PFC and ECN trade-offs")
	}

	return nil
}

// reportTopics are keyword families the report should touch on. Order
// fixes the wording of the info message.
var reportTopics = []struct {
	name     string
	keywords []string
}{
	{"rdma", []string{"rdma", "infiniband", "roce"}},
	{"nccl", []string{"nccl"}},
	{"gid", []string{"gid"}},
	{"performance", []string{"speedup", "performance", "iteration"}},
	{"congestion", []string{"congestion", "pfc", "ecn"}},
}

func checkReportTopics(ws workspace.Dir, out io.Writer) error {
	content, err := ws.ReadText(workspace.OptimizationReport)
	if err != nil {
		return err
	}

	text := strings.ToLower(content)

	var missing []string

	for _, topic := range reportTopics {
		found := false

		for _, kw := range topic.keywords {
			if strings.Contains(text, kw) {
				found = true

				break
			}
		}

		if !found {
			missing = append(missing, topic.name)
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(out, "  Info: Report could discuss: %s\n",
			strings.Join(missing, ", "))
	} else {
		fmt.Fprintln(out, "✓ Report covers all key topics")
	}

	return nil
}

// completenessArtifacts lists every artifact a full solution produces.
// The required ones make the check fail when absent.
var completenessArtifacts = []struct {
	file     string
	required bool
}{
	{workspace.BaselineTiming, true},
	{workspace.OptimizedTiming, true},
	{workspace.OptimizationReport, true},
	{workspace.RocePFCTiming, false},
	{workspace.RoceECNTiming, false},
	{workspace.IBTiming, false},
}

func checkCompleteness(ws workspace.Dir, out io.Writer) error {
	present := 0

	for _, a := range completenessArtifacts {
		if ws.Exists(a.file) {
			present++
		}
	}

	fmt.Fprintf(out, "✓ Solution completeness: %d/%d artifacts\n",
		present, len(completenessArtifacts))

	for _, a := range completenessArtifacts {
		if a.required && !ws.Exists(a.file) {
			return fmt.Errorf("Missing %s (required)", a.file)
		}
	}

	return nil
}
