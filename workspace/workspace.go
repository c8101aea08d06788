// Package workspace defines the shared-directory contract between the
// benchmark runner and the verification checks. Every timing artifact is
// a plain text file holding one finite, positive float (seconds per
// iteration); the report and environment dump are free text.
package workspace

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// Artifact file names, relative to the workspace directory.
const (
	BaselineTiming     = "baseline_timing.txt"
	OptimizedTiming    = "optimized_timing.txt"
	RocePFCTiming      = "roce_pfc_timing.txt"
	RoceECNTiming      = "roce_ecn_timing.txt"
	RoceHybridTiming   = "roce_hybrid_timing.txt"
	IBTiming           = "ib_timing.txt"
	OptimizationReport = "optimization_report.md"
	NCCLEnvDump        = "nccl_env.txt"
	AllReducePerfLog   = "allreduce_perf.log"
	ResultJSON         = "benchmark_result.json"
)

// DefaultPath is the workspace directory used when none is configured.
const DefaultPath = "/workspace"

const lockFile = ".workspace.lock"

// ErrNotFound reports a missing workspace artifact. Callers branch on it
// with errors.Is when an artifact is optional.
var ErrNotFound = errors.New("not found")

// Dir is a workspace directory. The zero value is not usable; construct
// one with New.
type Dir struct {
	path string
}

// New returns a Dir rooted at path. The directory is created lazily on
// the first write.
func New(path string) Dir {
	return Dir{path: path}
}

// Root returns the workspace directory path.
func (d Dir) Root() string {
	return d.path
}

// Path returns the absolute path of the named artifact.
func (d Dir) Path(name string) string {
	return filepath.Join(d.path, name)
}

// Exists reports whether the named artifact is present.
func (d Dir) Exists(name string) bool {
	_, err := os.Stat(d.Path(name))

	return err == nil
}

// ReadTiming reads the named timing artifact and parses it as a finite,
// strictly positive float in seconds. ParseFloat accepts "nan" and
// "inf", so both are rejected explicitly; NaN in particular would slip
// past every threshold comparison downstream. A missing file yields an
// error wrapping ErrNotFound that names the file.
func (d Dir) ReadTiming(name string) (float64, error) {
	content, err := d.ReadText(name)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(content), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s: non-finite timing %g", name, v)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s: non-positive timing %g", name, v)
	}

	return v, nil
}

// WriteTiming writes a timing value in seconds to the named artifact.
func (d Dir) WriteTiming(name string, seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf(
			"refusing to write non-finite timing %g to %s", seconds, name,
		)
	}
	if seconds <= 0 {
		return fmt.Errorf(
			"refusing to write non-positive timing %g to %s", seconds, name,
		)
	}

	content := strconv.FormatFloat(seconds, 'g', -1, 64) + "\n"

	return d.WriteText(name, content)
}

// ReadText reads the named artifact as a string. A missing file yields
// an error wrapping ErrNotFound that names the file.
func (d Dir) ReadText(name string) (string, error) {
	b, err := os.ReadFile(d.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s %w", name, ErrNotFound)
		}

		return "", fmt.Errorf("read %s: %w", name, err)
	}

	return string(b), nil
}

// WriteText writes content to the named artifact under the workspace
// lock, creating the directory if needed.
func (d Dir) WriteText(name, content string) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.WriteFile(d.Path(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}

// lock takes a file lock on the workspace lock file, so that concurrent
// writers (benchmark ranks, solver scripts) do not interleave writes.
func (d Dir) lock() (func() error, error) {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", d.path, err)
	}

	l := flock.New(filepath.Join(d.path, lockFile))
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("lock workspace %s: %w", d.path, err)
	}

	return l.Unlock, nil
}
