package gate

import (
	"context"
	"testing"
	"time"

	"github.com/re-cinq/agentgate/internal/sandbox"
)

func newTestSandbox(t *testing.T) sandbox.Sandbox {
	t.Helper()
	provider := sandbox.NewSubprocessProvider()
	box, err := provider.Create(context.Background(), sandbox.Config{WorkspacePath: t.TempDir()})
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	t.Cleanup(func() { box.Destroy(context.Background()) })
	return box
}

func TestContractsRequiredFiles(t *testing.T) {
	box := newTestSandbox(t)
	runner, err := NewContractsRunner(ContractsConfig{RequiredFiles: []string{"README.md"}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected failure, README.md does not exist")
	}

	if err := box.WriteFile("README.md", []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	result, err = runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected pass once README.md exists, got %+v", result)
	}
}

func TestContractsForbiddenPatterns(t *testing.T) {
	box := newTestSandbox(t)
	if err := box.WriteFile("secrets.env", []byte("KEY=1")); err != nil {
		t.Fatal(err)
	}
	runner, err := NewContractsRunner(ContractsConfig{ForbiddenPatterns: []string{"*.env"}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected failure, secrets.env matches forbidden pattern")
	}
}

func TestContractsNamingConventionBuiltin(t *testing.T) {
	box := newTestSandbox(t)
	if err := box.WriteFile("src/BadName.go", []byte("package x")); err != nil {
		t.Fatal(err)
	}
	runner, err := NewContractsRunner(ContractsConfig{
		NamingConventions: []NamingRule{{Path: "src/*.go", Convention: "snake_case"}},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected failure, BadName.go is not snake_case")
	}
}

func TestContractsNamingConventionEmptyMatchPassesVacuously(t *testing.T) {
	box := newTestSandbox(t)
	runner, err := NewContractsRunner(ContractsConfig{
		NamingConventions: []NamingRule{{Path: "nope/*.go", Convention: "snake_case"}},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Passed {
		t.Fatal("expected vacuous pass when no files match")
	}
}

func TestContractsRejectsInvalidConfigAtConstruction(t *testing.T) {
	_, err := NewContractsRunner(ContractsConfig{
		NamingConventions: []NamingRule{{Path: "x", Convention: "("}},
	})
	if err == nil {
		t.Fatal("expected invalid regex to be rejected at construction")
	}
}

func TestContractsSchemaHasField(t *testing.T) {
	box := newTestSandbox(t)
	if err := box.WriteFile("pkg.json", []byte(`{"name":"x"}`)); err != nil {
		t.Fatal(err)
	}
	runner, err := NewContractsRunner(ContractsConfig{
		SchemaChecks: []SchemaCheck{{
			Path:  "pkg.json",
			Rules: []SchemaRule{{Kind: RuleHasField, Field: "version"}},
		}},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected failure, version field is missing")
	}
}

func TestCommandRunnerExpectExitCode(t *testing.T) {
	box := newTestSandbox(t)
	runner, err := NewTestsRunner(CommandConfig{Name: "unit", Command: "true", ExpectExitCode: 0, Timeout: "10s"})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestCommandRunnerFailingExitCode(t *testing.T) {
	box := newTestSandbox(t)
	runner, err := NewBuildRunner(CommandConfig{Name: "build", Command: "false"})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected failure")
	}
}

func TestParseDurationFormats(t *testing.T) {
	cases := map[string]time.Duration{
		"5m": 5 * time.Minute,
		"30s": 30 * time.Second,
		"2h": 2 * time.Hour,
		"1d": 24 * time.Hour,
	}
	for s, want := range cases {
		got, err := parseDuration(s)
		if err != nil {
			t.Fatalf("parseDuration(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("parseDuration(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := parseDuration("bogus"); err == nil {
		t.Fatal("expected invalid duration to error")
	}
}

func TestConvergenceFirstIterationAlwaysFails(t *testing.T) {
	box := newTestSandbox(t)
	if err := box.WriteFile("out.txt", []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	runner, err := NewConvergenceRunner(ConvergenceConfig{Strategy: StrategyFingerprint, Path: "out.txt"})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected first iteration to always fail")
	}
	if result.Details["reason"] != "first iteration — no previous state" {
		t.Fatalf("unexpected reason: %+v", result.Details)
	}
}

func TestConvergenceFingerprintMatchPasses(t *testing.T) {
	box := newTestSandbox(t)
	runner, err := NewConvergenceRunner(ConvergenceConfig{Strategy: StrategyFingerprint, Path: "out.txt"})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := box.WriteFile("out.txt", []byte("same content")); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Check(box, "wo-1"); err != nil {
		t.Fatalf("check: %v", err)
	}

	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected convergence once content repeats identically, got %+v", result)
	}
}

func TestConvergenceJaccardSimilarity(t *testing.T) {
	if sim := jaccardSimilarity("a b c", "a b c"); sim != 1 {
		t.Fatalf("identical strings similarity = %v, want 1", sim)
	}
	if sim := jaccardSimilarity("a b c", "x y z"); sim != 0 {
		t.Fatalf("disjoint strings similarity = %v, want 0", sim)
	}
	sim := jaccardSimilarity("a b c d", "a b x y")
	if sim <= 0 || sim >= 1 {
		t.Fatalf("partial overlap similarity = %v, want in (0,1)", sim)
	}
}

func TestConvergenceResetClearsState(t *testing.T) {
	box := newTestSandbox(t)
	runner, err := NewConvergenceRunner(ConvergenceConfig{Strategy: StrategyFingerprint, Path: "out.txt"})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := box.WriteFile("out.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Check(box, "wo-1"); err != nil {
		t.Fatalf("check: %v", err)
	}

	runner.Reset("wo-1")

	result, err := runner.Check(box, "wo-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Passed {
		t.Fatal("expected reset to make the next check look like a first iteration")
	}
}
