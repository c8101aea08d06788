// Package report summarizes the timing artifacts in a benchmark
// workspace into comparison tables and charts.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/holynakamoto/optimize-nccl-over-rocev2-infiniband/workspace"
)

// Entry is one transport mode's recorded timing.
type Entry struct {
	Mode    string  `json:"mode"`
	File    string  `json:"file"`
	Seconds float64 `json:"seconds"`
}

// Snapshot holds the timings present in a workspace, in fixed mode
// order.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// Rows with special meaning: speedups are computed against the TCP
// baseline, relative performance against InfiniBand.
const (
	baselineMode  = "TCP baseline"
	ibMode        = "InfiniBand"
	optimizedMode = "Optimized"
)

// modeFiles fixes row order in reports.
var modeFiles = []struct {
	mode string
	file string
}{
	{baselineMode, workspace.BaselineTiming},
	{"RoCEv2 PFC", workspace.RocePFCTiming},
	{"RoCEv2 ECN", workspace.RoceECNTiming},
	{"RoCEv2 Hybrid", workspace.RoceHybridTiming},
	{ibMode, workspace.IBTiming},
	{optimizedMode, workspace.OptimizedTiming},
}

// Collect reads every timing artifact present in ws. Missing files are
// skipped; malformed ones are errors.
func Collect(ws workspace.Dir) (*Snapshot, error) {
	var snap Snapshot

	for _, m := range modeFiles {
		v, err := ws.ReadTiming(m.file)
		if errors.Is(err, workspace.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		snap.Entries = append(snap.Entries, Entry{
			Mode:    m.mode,
			File:    m.file,
			Seconds: v,
		})
	}

	if len(snap.Entries) == 0 {
		return nil, fmt.Errorf("no timing artifacts in %s", ws.Root())
	}

	return &snap, nil
}

func (s *Snapshot) find(mode string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Mode == mode {
			return e, true
		}
	}

	return Entry{}, false
}

// Generate writes a markdown comparison table for the snapshot.
func Generate(w io.Writer, snap *Snapshot) error {
	if len(snap.Entries) == 0 {
		return fmt.Errorf("no timings to report")
	}

	baseline, hasBaseline := snap.find(baselineMode)
	ib, hasIB := snap.find(ibMode)

	// Header.
	fmt.Fprintln(w, "## NCCL Transport Benchmark Results")
	fmt.Fprintln(w)

	// Table header.
	fmt.Fprintln(w, "| Mode | Time/iter | Speedup vs TCP | % of InfiniBand |")
	fmt.Fprintln(w, "|------|-----------|----------------|-----------------|")

	for _, e := range snap.Entries {
		speedup := "-"
		if hasBaseline && e.Seconds > 0 {
			speedup = fmt.Sprintf("%.2fx", baseline.Seconds/e.Seconds)
		}

		relative := "-"
		if hasIB && e.Seconds > 0 && e.Mode != baselineMode {
			relative = fmt.Sprintf("%.1f%%", ib.Seconds/e.Seconds*100)
		}

		fmt.Fprintf(w, "| %s | %s | %s | %s |\n",
			e.Mode, formatSeconds(e.Seconds), speedup, relative)
	}

	if best, ok := bestMode(snap); ok && hasBaseline {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Best transport: **%s** (%.2fx over TCP baseline)\n",
			best.Mode, baseline.Seconds/best.Seconds)
	}

	return nil
}

// GenerateJSON writes the snapshot as indented JSON to w.
func GenerateJSON(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(snap)
}

// bestMode picks the fastest non-baseline entry.
func bestMode(snap *Snapshot) (Entry, bool) {
	var (
		best  Entry
		found bool
	)

	for _, e := range snap.Entries {
		if e.Mode == baselineMode {
			continue
		}

		if !found || e.Seconds < best.Seconds {
			best = e
			found = true
		}
	}

	return best, found
}

func formatSeconds(s float64) string {
	if s < 1 {
		return fmt.Sprintf("%.1fms", s*1000)
	}

	return fmt.Sprintf("%.2fs", s)
}
