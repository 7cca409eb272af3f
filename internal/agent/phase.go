package agent

import (
	"math"
	"regexp"
	"sync"
	"time"
)

// Phase weights per spec.md §4.6.
const (
	phaseWeightStarting     = 5
	phaseWeightReading      = 15
	phaseWeightPlanning     = 25
	phaseWeightImplementing = 60
	phaseWeightTesting      = 85
	phaseWeightFinalizing   = 95
)

// phaseMinDuration is the minimum time a phase must hold before another
// transition is accepted, per spec.md §4.6.
const phaseMinDuration = 2 * time.Second

// expectedToolCalls is the denominator used for tool-call progress, a
// reasonable default since the spec leaves "expected" unspecified per
// request; most single-iteration runs finish well under this.
const expectedToolCalls = 30

// expectedElapsed is the default denominator for time progress when no
// request timeout is available to use instead.
const expectedElapsed = 5 * time.Minute

var (
	testingPattern    = regexp.MustCompile(`(?i)test|check|verify|lint|typecheck|build`)
	finalizingPattern = regexp.MustCompile(`(?i)git|commit|push|pr`)
	planningPattern   = regexp.MustCompile(`(?i)plan|approach|strategy|will do`)
)

var readingTools = map[string]bool{"Read": true, "Glob": true, "Grep": true}
var implementingTools = map[string]bool{"Write": true, "Edit": true}

// phaseTracker infers the agent's current phase from tool-call categories
// and output text patterns, and computes the progress percentage formula
// of spec.md §4.6.
type phaseTracker struct {
	mu sync.Mutex

	start           time.Time
	expectedElapsed time.Duration

	phase          string
	phaseWeight    int
	phaseEnteredAt time.Time

	toolCalls int

	lastEmitted int
	everEmitted bool
}

func newPhaseTracker() *phaseTracker {
	now := time.Now()
	return &phaseTracker{
		start:           now,
		expectedElapsed: expectedElapsed,
		phase:           "Starting",
		phaseWeight:     phaseWeightStarting,
		phaseEnteredAt:  now,
	}
}

func (p *phaseTracker) observeTool(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls++
	switch {
	case readingTools[name]:
		p.transition("Reading", phaseWeightReading)
	case implementingTools[name]:
		p.transition("Implementing", phaseWeightImplementing)
	}
}

func (p *phaseTracker) observeText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case finalizingPattern.MatchString(text):
		p.transition("Finalizing", phaseWeightFinalizing)
	case testingPattern.MatchString(text):
		p.transition("Testing", phaseWeightTesting)
	case planningPattern.MatchString(text):
		p.transition("Planning", phaseWeightPlanning)
	}
}

// transition moves to (name, weight) if the current phase has held for at
// least phaseMinDuration, and the move is forward (monotonic weight), per
// spec.md §4.6's minimum-dwell rule.
func (p *phaseTracker) transition(name string, weight int) {
	if weight <= p.phaseWeight {
		return
	}
	if time.Since(p.phaseEnteredAt) < phaseMinDuration {
		return
	}
	p.phase = name
	p.phaseWeight = weight
	p.phaseEnteredAt = time.Now()
}

// maybeProgress returns the current percentage and phase, and whether it
// has changed enough to be worth emitting (first call always emits).
func (p *phaseTracker) maybeProgress() (int, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := p.percentageLocked()
	if p.everEmitted && pct == p.lastEmitted {
		return 0, "", false
	}
	p.lastEmitted = pct
	p.everEmitted = true
	return pct, p.phase, true
}

func (p *phaseTracker) percentageLocked() int {
	elapsedRatio := math.Min(time.Since(p.start).Seconds()/p.expectedElapsed.Seconds(), 1)
	toolRatio := math.Min(float64(p.toolCalls)/float64(expectedToolCalls), 1)
	weighted := 0.3*elapsedRatio + 0.3*toolRatio + 0.4*float64(p.phaseWeight)/100.0
	pct := int(math.Floor(100 * weighted))
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct
}
