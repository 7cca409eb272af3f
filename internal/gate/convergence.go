package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/types"
)

// ConvergenceStrategy selects how similarity between iterations is
// computed, per spec.md §4.4.
type ConvergenceStrategy string

const (
	StrategyFingerprint ConvergenceStrategy = "fingerprint"
	StrategySimilarity  ConvergenceStrategy = "similarity"
)

// ConvergenceConfig configures the convergence gate.
type ConvergenceConfig struct {
	Strategy  ConvergenceStrategy
	Threshold float64 // default 0.95, similarity strategy only
	Path      string  // file whose content is fingerprinted; read literally, globs are not expanded
}

// ConvergenceRunner compares the current iteration's content fingerprint
// to the previous iteration's, per spec.md §4.4. It owns per-work-order
// state (the previous iteration's content) since fingerprints only make
// sense relative to what came before.
type ConvergenceRunner struct {
	cfg ConvergenceConfig

	mu   sync.Mutex
	prev map[string]string // workOrderID -> previous content
}

// NewConvergenceRunner validates cfg and defaults Threshold to 0.95.
func NewConvergenceRunner(cfg ConvergenceConfig) (*ConvergenceRunner, error) {
	if cfg.Strategy != StrategyFingerprint && cfg.Strategy != StrategySimilarity {
		return nil, fmt.Errorf("unknown convergence strategy %q", cfg.Strategy)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.95
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("convergence gate requires a path")
	}
	return &ConvergenceRunner{cfg: cfg, prev: make(map[string]string)}, nil
}

func (r *ConvergenceRunner) Name() string { return "convergence" }

func (r *ConvergenceRunner) Reset(workOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prev, workOrderID)
}

func (r *ConvergenceRunner) Check(box sandbox.Sandbox, workOrderID string) (types.GateResult, error) {
	content, err := box.ReadFile(r.cfg.Path)
	if err != nil {
		return types.GateResult{}, fmt.Errorf("reading convergence path %s: %w", r.cfg.Path, err)
	}

	r.mu.Lock()
	prev, hasPrev := r.prev[workOrderID]
	r.prev[workOrderID] = string(content)
	r.mu.Unlock()

	if !hasPrev {
		return types.GateResult{
			Gate:   r.Name(),
			Check:  "convergence",
			Passed: false,
			Details: map[string]any{
				"reason": "first iteration — no previous state",
			},
		}, nil
	}

	var similarity float64
	if r.cfg.Strategy == StrategyFingerprint {
		similarity = 0
		if fingerprint(prev) == fingerprint(string(content)) {
			similarity = 1
		}
	} else {
		similarity = jaccardSimilarity(prev, string(content))
	}

	passed := similarity >= r.cfg.Threshold
	return types.GateResult{
		Gate:   r.Name(),
		Check:  "convergence",
		Passed: passed,
		Details: map[string]any{
			"similarity": similarity,
			"threshold":  r.cfg.Threshold,
			"strategy":   string(r.cfg.Strategy),
		},
	}, nil
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// jaccardSimilarity computes set similarity over whitespace-split tokens,
// per spec.md §4.4. Preserved as whitespace tokenization rather than a
// richer lexer since the spec names it explicitly.
func jaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}
