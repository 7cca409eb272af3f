package gate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/types"
)

const maxCapturedOutput = 10_000

// CommandConfig is a single declared command gate (tests, build, lint, or
// an arbitrary custom command), per spec.md §4.4's L1-L3 and custom-
// command check variants.
type CommandConfig struct {
	Name           string
	Command        string
	Args           []string
	Timeout        string // e.g. "5m"; parsed at construction
	ExpectExitCode int    // default 0
}

// CommandRunner executes a declared command in the sandbox and compares
// its exit code against ExpectExitCode, per spec.md §4.4. Grounded in the
// teacher's gate.go (cmd := exec.Command("sh", "-c", ...) in the repo
// worktree), generalized to run inside a Sandbox rather than shelling out
// directly, and parameterized for reuse across the tests/build/lint/custom
// check kinds which only differ by name and command. Command and Args are
// handed to Sandbox.Execute as given: the subprocess sandbox runs Command
// directly with no shell, so shell syntax in Command (pipes, &&,
// redirects) is interpreted only by the container sandbox, which wraps
// the call in sh -c.
type CommandRunner struct {
	cfg     CommandConfig
	timeout time.Duration
	check   string
}

// NewTestsRunner, NewBuildRunner, NewLintRunner, and NewCustomCommandRunner
// all share newCommandRunner; they differ only in the "check" tag
// attached to the resulting GateResult.
func newCommandRunner(check string, cfg CommandConfig) (*CommandRunner, error) {
	timeout := 5 * time.Minute
	if cfg.Timeout != "" {
		parsed, err := parseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
		timeout = parsed
	}
	return &CommandRunner{cfg: cfg, timeout: timeout, check: check}, nil
}

// NewTestsRunner builds an L1 test-command gate.
func NewTestsRunner(cfg CommandConfig) (*CommandRunner, error) { return newCommandRunner("tests", cfg) }

// NewBuildRunner builds an L2 build-command gate.
func NewBuildRunner(cfg CommandConfig) (*CommandRunner, error) { return newCommandRunner("build", cfg) }

// NewLintRunner builds an L3 lint-command gate.
func NewLintRunner(cfg CommandConfig) (*CommandRunner, error) { return newCommandRunner("lint", cfg) }

// NewCustomCommandRunner builds an arbitrary custom-command gate with a
// declared expected exit code and truncated output capture.
func NewCustomCommandRunner(cfg CommandConfig) (*CommandRunner, error) {
	return newCommandRunner("custom_command", cfg)
}

func (r *CommandRunner) Name() string { return r.cfg.Name }

func (r *CommandRunner) Reset(workOrderID string) {}

func (r *CommandRunner) Check(box sandbox.Sandbox, workOrderID string) (types.GateResult, error) {
	result, err := box.Execute(context.Background(), r.cfg.Command, r.cfg.Args, sandbox.ExecOpts{
		Timeout: r.timeout,
	})
	if err != nil {
		return types.GateResult{}, fmt.Errorf("running command gate %s: %w", r.cfg.Name, err)
	}

	passed := result.ExitCode == r.cfg.ExpectExitCode
	var failures []types.GateFailure
	if !passed {
		failures = append(failures, types.GateFailure{
			Message: fmt.Sprintf("exit code %d, want %d", result.ExitCode, r.cfg.ExpectExitCode),
			Command: r.cfg.Command,
		})
	}

	return types.GateResult{
		Gate:   r.cfg.Name,
		Check:  r.check,
		Passed: passed,
		Details: map[string]any{
			"exitCode": result.ExitCode,
			"timedOut": result.TimedOut,
			"stdout":   truncate(result.Stdout, maxCapturedOutput),
			"stderr":   truncate(result.Stderr, maxCapturedOutput),
		},
		Failures: failures,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... truncated (%d bytes total)", len(s))
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// parseDuration parses strings like "5m", "30s", "2h", "1d" per spec.md
// §4.4's custom-command timeout format.
func parseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("expected format like 5m, 30s, 2h, 1d, got %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
