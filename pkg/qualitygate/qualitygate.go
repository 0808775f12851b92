// Package qualitygate runs named verification commands in a workspace and
// aggregates their outcomes into a single pass/fail report.
package qualitygate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// DefaultGateTimeout bounds one gate subprocess.
const DefaultGateTimeout = 120 * time.Second

// gateOutputCap truncates runaway gate output.
const gateOutputCap = 20_000

// Gate is one named verification command.
type Gate struct {
	Name    string
	Command string
	Timeout time.Duration
}

// defaultGates run when a request names none. Each probes a common
// ecosystem and exits zero when the workspace has nothing for it to check.
var defaultGates = []Gate{
	{Name: "gofmt", Command: `files=$(find . -name '*.go' -not -path './vendor/*' 2>/dev/null); [ -z "$files" ] || [ -z "$(gofmt -l $files)" ]`},
	{Name: "govet", Command: `[ ! -f go.mod ] || go vet ./...`},
	{Name: "pyflakes", Command: `files=$(find . -name '*.py' -not -path './.venv/*' 2>/dev/null); [ -z "$files" ] || python3 -m pyflakes $files`},
}

// Runner executes quality gates.
type Runner struct {
	gates   map[string]Gate
	ordered []string
	logger  *slog.Logger
}

// NewRunner creates a Runner with the default gate set.
func NewRunner(logger *slog.Logger) *Runner {
	r := &Runner{gates: make(map[string]Gate), logger: logger}
	for _, g := range defaultGates {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gate.
func (r *Runner) Register(g Gate) {
	if g.Timeout <= 0 {
		g.Timeout = DefaultGateTimeout
	}
	if _, ok := r.gates[g.Name]; !ok {
		r.ordered = append(r.ordered, g.Name)
	}
	r.gates[g.Name] = g
}

// Run executes the requested gates (all registered gates when the request
// names none) and aggregates the report. Unknown gate names fail their
// report entry without aborting the rest.
func (r *Runner) Run(ctx context.Context, req protocol.QualityGateRequest) *protocol.QualityGateResult {
	names := req.Gates
	if len(names) == 0 {
		names = r.ordered
	}

	result := &protocol.QualityGateResult{
		RequestID: req.RequestID,
		RunID:     req.RunID,
		Passed:    true,
	}
	for _, name := range names {
		gate, ok := r.gates[name]
		if !ok {
			result.Passed = false
			result.Gates = append(result.Gates, protocol.GateReport{
				Name:   name,
				Passed: false,
				Error:  fmt.Sprintf("unknown gate: %s", name),
			})
			continue
		}

		report := r.runGate(ctx, gate, req.WorkspacePath)
		if !report.Passed {
			result.Passed = false
		}
		result.Gates = append(result.Gates, report)
	}
	return result
}

func (r *Runner) runGate(ctx context.Context, gate Gate, workspacePath string) protocol.GateReport {
	gctx, cancel := context.WithTimeout(ctx, gate.Timeout)
	defer cancel()

	cmd := exec.CommandContext(gctx, "bash", "-c", gate.Command)
	cmd.Dir = workspacePath

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	report := protocol.GateReport{
		Name:     gate.Name,
		Passed:   err == nil,
		Output:   truncateOutput(output.String()),
		Duration: elapsed.Milliseconds(),
	}
	switch {
	case errors.Is(gctx.Err(), context.DeadlineExceeded):
		report.Passed = false
		report.Error = fmt.Sprintf("gate timed out after %s", gate.Timeout)
	case err != nil:
		report.Error = err.Error()
	}

	r.logger.Debug("quality gate finished",
		"gate", gate.Name,
		"passed", report.Passed,
		"duration_ms", report.Duration,
	)
	return report
}

func truncateOutput(s string) string {
	if len(s) <= gateOutputCap {
		return s
	}
	return s[:gateOutputCap] + "\n... output truncated"
}
