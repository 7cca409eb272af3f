// Package gateplan decodes and validates the gate-plan document, per
// spec.md §6. Grounded almost exactly in the teacher's internal/config
// (internal/config/config.go): YAML unmarshal into a struct and a
// Validate() []error returning one entry per problem with duplicate-name
// detection via a map[string]bool. Durations stay strings in the decoded
// document and are parsed where they are used; decoding applies no
// defaults. The teacher's concern watch-chain
// fields (Concern.Watches, detectCycles, topologicalLevels) have no
// analog here: a gate plan's gates run in declared sequential order, per
// spec.md §9's Open Questions decision, so there is no graph to validate.
package gateplan

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/re-cinq/agentgate/internal/convergence"
	"github.com/re-cinq/agentgate/internal/gate"
)

// CheckType tags which gate.Runner kind a GateSpec's Check configures.
type CheckType string

const (
	CheckContracts     CheckType = "contracts"
	CheckTests         CheckType = "tests"
	CheckBuild         CheckType = "build"
	CheckLint          CheckType = "lint"
	CheckCustomCommand CheckType = "custom_command"
	CheckConvergence   CheckType = "convergence"
	CheckCI            CheckType = "ci"
)

// CheckConfig is a tagged union over every check kind's configuration
// fields. Unused fields for a given Type are simply omitted from the
// document.
type CheckConfig struct {
	Type CheckType `yaml:"type"`

	// contracts
	RequiredFiles     []string           `yaml:"requiredFiles,omitempty"`
	ForbiddenPatterns []string           `yaml:"forbiddenPatterns,omitempty"`
	HonorGitignore    bool               `yaml:"honorGitignore,omitempty"`
	SchemaChecks      []gate.SchemaCheck `yaml:"schemaChecks,omitempty"`
	NamingConventions []gate.NamingRule  `yaml:"namingConventions,omitempty"`

	// tests / build / lint / custom_command
	Command        string   `yaml:"command,omitempty"`
	Args           []string `yaml:"args,omitempty"`
	Timeout        string   `yaml:"timeout,omitempty"`
	ExpectExitCode int      `yaml:"expectExitCode,omitempty"`

	// convergence
	Strategy  gate.ConvergenceStrategy `yaml:"strategy,omitempty"`
	Threshold float64                  `yaml:"threshold,omitempty"`
	Path      string                   `yaml:"path,omitempty"`

	// ci
	IntervalSeconds int `yaml:"intervalSeconds,omitempty"`
	TimeoutSeconds  int `yaml:"timeoutSeconds,omitempty"`
}

// OnFailureSpec is a gate's declared failure policy, per spec.md §6.
type OnFailureSpec struct {
	Action     gate.OnFailure `yaml:"action"`
	MaxRetries int            `yaml:"maxRetries,omitempty"`
}

// GateSpec is one declared gate within a plan.
type GateSpec struct {
	Name      string        `yaml:"name"`
	Check     CheckConfig   `yaml:"check"`
	OnFailure OnFailureSpec `yaml:"onFailure"`
}

// StrategyConfig holds the union of every strategy's strategy-specific
// fields, per spec.md §4.6; only the fields relevant to Plan.Strategy are
// populated in a given document.
type StrategyConfig struct {
	N int `yaml:"n,omitempty"` // fixed

	Base  int `yaml:"base,omitempty"`  // hybrid
	Bonus int `yaml:"bonus,omitempty"` // hybrid

	Threshold     float64 `yaml:"threshold,omitempty"`     // hybrid, ralph
	WindowSize    int     `yaml:"windowSize,omitempty"`     // ralph
	MinIterations int     `yaml:"minIterations,omitempty"` // ralph
}

// Limits bounds the convergence loop, per spec.md §4.6/§6.
type Limits struct {
	MaxIterations int    `yaml:"maxIterations"`
	MaxWallClock  string `yaml:"maxWallClock"`
	MaxCost       string `yaml:"maxCost,omitempty"`
	MaxTokens     *int   `yaml:"maxTokens,omitempty"`
}

// Plan is the decoded gate-plan document, per spec.md §6.
type Plan struct {
	Version  string         `yaml:"version"`
	Strategy string         `yaml:"strategy"`
	Config   StrategyConfig `yaml:"config,omitempty"`
	Gates    []GateSpec     `yaml:"gates"`
	Limits   Limits         `yaml:"limits"`
}

var knownStrategies = map[string]bool{
	"fixed": true, "hybrid": true, "ralph": true, "adaptive": true, "manual": true,
}

var knownCheckTypes = map[CheckType]bool{
	CheckContracts: true, CheckTests: true, CheckBuild: true, CheckLint: true,
	CheckCustomCommand: true, CheckConvergence: true, CheckCI: true,
}

// Decode parses a gate-plan document. YAML and JSON are both accepted —
// gopkg.in/yaml.v3 parses JSON documents directly, since JSON is a subset
// of YAML's flow style.
func Decode(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing gate plan: %w", err)
	}
	return &plan, nil
}

// Validate checks plan for structural problems, per spec.md §9's Open
// Questions decision to reject unknown check types at the boundary rather
// than silently skip them.
func (p *Plan) Validate() []error {
	var errs []error

	if p.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}

	if !knownStrategies[p.Strategy] {
		errs = append(errs, fmt.Errorf("unknown strategy %q", p.Strategy))
	}

	if len(p.Gates) == 0 {
		errs = append(errs, fmt.Errorf("at least one gate is required"))
	}

	names := make(map[string]bool)
	for i, g := range p.Gates {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: name is required", i))
		} else if names[g.Name] {
			errs = append(errs, fmt.Errorf("gates[%d]: duplicate name %q", i, g.Name))
		} else {
			names[g.Name] = true
		}

		if !knownCheckTypes[g.Check.Type] {
			errs = append(errs, fmt.Errorf("gates[%d] (%s): unknown check type %q", i, g.Name, g.Check.Type))
		}

		switch g.OnFailure.Action {
		case gate.OnFailureContinue, gate.OnFailureStop, gate.OnFailureRetry:
		default:
			errs = append(errs, fmt.Errorf("gates[%d] (%s): unknown onFailure action %q", i, g.Name, g.OnFailure.Action))
		}
	}

	if p.Limits.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("limits.maxIterations must be positive"))
	}
	if p.Limits.MaxWallClock != "" {
		if _, err := convergence.ParseWallClock(p.Limits.MaxWallClock); err != nil {
			errs = append(errs, fmt.Errorf("limits.maxWallClock: %w", err))
		}
	}
	if p.Limits.MaxCost != "" {
		if _, err := parseCost(p.Limits.MaxCost); err != nil {
			errs = append(errs, fmt.Errorf("limits.maxCost: %w", err))
		}
	}

	return errs
}

var costPattern = regexp.MustCompile(`^\$(\d+(\.\d{1,2})?)$`)

// parseCost parses a "$N(.NN)?" string into a dollar amount, per spec.md
// §6.
func parseCost(s string) (float64, error) {
	m := costPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("expected format like $5 or $12.50, got %q", s)
	}
	return strconv.ParseFloat(m[1], 64)
}

// ToStrategy builds the convergence.Strategy the plan's Strategy/Config
// fields describe. "adaptive" is treated as an alias for "hybrid": both
// describe a base budget that earns bonus iterations while progress
// velocity holds up, and the gate-plan format never defines a distinct
// adaptive config shape beyond hybrid's.
func (p *Plan) ToStrategy() (convergence.Strategy, error) {
	switch p.Strategy {
	case "fixed":
		return convergence.Fixed{N: p.Config.N}, nil
	case "hybrid", "adaptive":
		return convergence.Hybrid{Base: p.Config.Base, Bonus: p.Config.Bonus, Threshold: p.Config.Threshold}, nil
	case "ralph":
		return convergence.Ralph{
			WindowSize:    p.Config.WindowSize,
			Threshold:     p.Config.Threshold,
			MinIterations: p.Config.MinIterations,
		}, nil
	case "manual":
		return nil, fmt.Errorf("manual strategy requires a Decide function supplied by the caller, not ToStrategy")
	default:
		return nil, fmt.Errorf("unknown strategy %q", p.Strategy)
	}
}

// ToCaps builds the convergence.Caps the plan's Limits describe.
func (p *Plan) ToCaps() (convergence.Caps, error) {
	caps := convergence.Caps{MaxIterations: p.Limits.MaxIterations}
	if p.Limits.MaxWallClock != "" {
		d, err := convergence.ParseWallClock(p.Limits.MaxWallClock)
		if err != nil {
			return convergence.Caps{}, err
		}
		caps.MaxWallClock = d
	}
	if p.Limits.MaxTokens != nil {
		caps.MaxTokens = p.Limits.MaxTokens
	}
	if p.Limits.MaxCost != "" {
		cost, err := parseCost(p.Limits.MaxCost)
		if err != nil {
			return convergence.Caps{}, err
		}
		caps.MaxCost = &cost
	}
	return caps, nil
}

// ToGates builds the gate.Gate list the plan's Gates section describes, in
// declared order — gates run sequentially, per spec.md §9's Open
// Questions decision. pollFuncs supplies the external-system poll
// callback for any "ci" check by gate name; the gate-plan document itself
// can't describe how to reach a CI provider (that's an external
// collaborator per spec.md §1), so a "ci" gate with no matching entry is
// a construction error rather than a silently no-op gate.
func (p *Plan) ToGates(pollFuncs map[string]gate.PollFunc) ([]gate.Gate, error) {
	gates := make([]gate.Gate, 0, len(p.Gates))
	for _, spec := range p.Gates {
		runner, err := buildRunner(spec, pollFuncs)
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", spec.Name, err)
		}
		gates = append(gates, gate.Gate{
			Name:      spec.Name,
			OnFailure: spec.OnFailure.Action,
			Runner:    runner,
		})
	}
	return gates, nil
}

func buildRunner(spec GateSpec, pollFuncs map[string]gate.PollFunc) (gate.Runner, error) {
	check := spec.Check
	switch check.Type {
	case CheckContracts:
		return gate.NewContractsRunner(gate.ContractsConfig{
			RequiredFiles:     check.RequiredFiles,
			ForbiddenPatterns: check.ForbiddenPatterns,
			HonorGitignore:    check.HonorGitignore,
			SchemaChecks:      check.SchemaChecks,
			NamingConventions: check.NamingConventions,
		})
	case CheckTests:
		return gate.NewTestsRunner(commandConfig(spec.Name, check))
	case CheckBuild:
		return gate.NewBuildRunner(commandConfig(spec.Name, check))
	case CheckLint:
		return gate.NewLintRunner(commandConfig(spec.Name, check))
	case CheckCustomCommand:
		return gate.NewCustomCommandRunner(commandConfig(spec.Name, check))
	case CheckConvergence:
		return gate.NewConvergenceRunner(gate.ConvergenceConfig{
			Strategy:  check.Strategy,
			Threshold: check.Threshold,
			Path:      check.Path,
		})
	case CheckCI:
		poll := pollFuncs[spec.Name]
		if poll == nil {
			return nil, fmt.Errorf("ci check requires a poll function registered under this gate's name")
		}
		return gate.NewCIRunner(gate.CIConfig{
			Poll:     poll,
			Interval: time.Duration(check.IntervalSeconds) * time.Second,
			Timeout:  time.Duration(check.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown check type %q", check.Type)
	}
}

func commandConfig(name string, check CheckConfig) gate.CommandConfig {
	return gate.CommandConfig{
		Name:           name,
		Command:        check.Command,
		Args:           check.Args,
		Timeout:        check.Timeout,
		ExpectExitCode: check.ExpectExitCode,
	}
}
