// Package grade verifies the artifacts a benchmark run left in the
// workspace. Checks are grouped into named profiles; each check prints
// its findings and returns an error only for a hard failure. Optional
// artifacts and nice-to-have thresholds produce warnings instead.
package grade

import (
	"fmt"
	"io"
	"strings"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

// A Check is one named verification step. Run inspects the workspace,
// prints its findings to out, and returns an error iff the check failed
// hard.
type Check struct {
	Name string
	Run  func(ws workspace.Dir, out io.Writer) error
}

// Summary tallies check outcomes for one profile run.
type Summary struct {
	Passed int
	Failed int
}

// OK reports whether every check passed.
func (s Summary) OK() bool {
	return s.Failed == 0
}

// Profile returns the title and ordered checks of a named grading
// profile. "modes" grades the per-transport-mode comparison; "standard"
// is the earlier transport-tuning profile with its own thresholds.
func Profile(name string) (string, []Check, error) {
	switch name {
	case "modes":
		return "NCCL Optimization Tests: PFC vs ECN vs Hybrid vs InfiniBand",
			ModeChecks(), nil
	case "standard":
		return "NCCL Optimization Tests", StandardChecks(), nil
	default:
		return "", nil, fmt.Errorf("unknown profile %q (have modes, standard)", name)
	}
}

const borderWidth = 70

// Run executes the checks in order against ws, printing every outcome
// to out. A failing check never stops the ones after it.
func Run(out io.Writer, ws workspace.Dir, title string, checks []Check) Summary {
	border := strings.Repeat("=", borderWidth)

	fmt.Fprintln(out, border)
	fmt.Fprintln(out, title)
	fmt.Fprintln(out, border)
	fmt.Fprintln(out)

	var sum Summary

	for _, c := range checks {
		fmt.Fprintf(out, "[TEST] %s\n", c.Name)

		if err := c.Run(ws, out); err != nil {
			fmt.Fprintf(out, "✗ FAILED: %v\n", err)
			sum.Failed++
		} else {
			sum.Passed++
		}

		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, border)
	fmt.Fprintf(out, "Results: %d passed, %d failed\n", sum.Passed, sum.Failed)
	fmt.Fprintln(out, border)

	return sum
}
