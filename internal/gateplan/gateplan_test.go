package gateplan

import "testing"

const validYAML = `
version: "1"
strategy: fixed
config:
  n: 3
gates:
  - name: unit-tests
    check:
      type: tests
      command: go test ./...
      expectExitCode: 0
    onFailure:
      action: retry
limits:
  maxIterations: 3
  maxWallClock: 30m
`

func TestDecodeValidPlan(t *testing.T) {
	plan, err := Decode([]byte(validYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.Strategy != "fixed" || plan.Config.N != 3 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if errs := plan.Validate(); len(errs) != 0 {
		t.Fatalf("expected a valid plan, got errors: %v", errs)
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	plan, err := Decode([]byte(validYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	plan.Strategy = "bogus"
	errs := plan.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for an unknown strategy")
	}
}

func TestValidateRejectsUnknownCheckType(t *testing.T) {
	plan, err := Decode([]byte(validYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	plan.Gates[0].Check.Type = "nonsense"
	errs := plan.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for an unknown check type")
	}
}

func TestValidateRejectsDuplicateGateNames(t *testing.T) {
	plan, err := Decode([]byte(validYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	plan.Gates = append(plan.Gates, plan.Gates[0])
	errs := plan.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for duplicate gate names")
	}
}

func TestValidateRejectsMissingMaxIterations(t *testing.T) {
	plan, err := Decode([]byte(validYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	plan.Limits.MaxIterations = 0
	errs := plan.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for missing maxIterations")
	}
}

func TestToStrategyFixed(t *testing.T) {
	plan, _ := Decode([]byte(validYAML))
	strategy, err := plan.ToStrategy()
	if err != nil {
		t.Fatalf("ToStrategy: %v", err)
	}
	if strategy.Name() != "fixed" {
		t.Fatalf("strategy.Name() = %s, want fixed", strategy.Name())
	}
}

func TestToStrategyAdaptiveAliasesHybrid(t *testing.T) {
	plan, _ := Decode([]byte(validYAML))
	plan.Strategy = "adaptive"
	plan.Config.Base = 2
	plan.Config.Bonus = 1
	strategy, err := plan.ToStrategy()
	if err != nil {
		t.Fatalf("ToStrategy: %v", err)
	}
	if strategy.Name() != "hybrid" {
		t.Fatalf("strategy.Name() = %s, want hybrid (adaptive aliases hybrid)", strategy.Name())
	}
}

func TestToCapsParsesLimits(t *testing.T) {
	plan, _ := Decode([]byte(validYAML))
	caps, err := plan.ToCaps()
	if err != nil {
		t.Fatalf("ToCaps: %v", err)
	}
	if caps.MaxIterations != 3 {
		t.Fatalf("caps.MaxIterations = %d, want 3", caps.MaxIterations)
	}
	if caps.MaxWallClock.Minutes() != 30 {
		t.Fatalf("caps.MaxWallClock = %v, want 30m", caps.MaxWallClock)
	}
}

func TestParseCostAcceptsDollarAmounts(t *testing.T) {
	cases := map[string]float64{"$5": 5, "$12.50": 12.5}
	for s, want := range cases {
		got, err := parseCost(s)
		if err != nil {
			t.Fatalf("parseCost(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("parseCost(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := parseCost("5 dollars"); err == nil {
		t.Fatal("expected malformed cost string to error")
	}
}
