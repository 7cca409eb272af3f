// Package enforce aggregates detector findings into a single pass/fail
// verdict, per spec.md §4.5: allowlist filtering, sensitivity grouping,
// and blocked/warned/logged bucketing.
package enforce

import (
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/re-cinq/agentgate/internal/types"
)

// ActionMap resolves a Sensitivity to the Action the policy takes on it.
// Deny and Block both land findings in the Blocked bucket.
type ActionMap map[types.Sensitivity]types.Action

// DefaultActionMap is the conservative default used when a policy doesn't
// declare one: restricted findings deny, sensitive findings block, warning
// findings warn, info findings log.
var DefaultActionMap = ActionMap{
	types.SeverityRestricted: types.ActionDeny,
	types.SeveritySensitive:  types.ActionBlock,
	types.SeverityWarning:    types.ActionWarn,
	types.SeverityInfo:       types.ActionLog,
}

// Policy configures one aggregation pass.
type Policy struct {
	Allowlist []types.AllowlistEntry
	Actions   ActionMap
}

// Summary is the aggregated verdict over a set of findings, per spec.md
// §4.5's {total, byLevel, byDetector, scanDuration, filesScanned}.
type Summary struct {
	Total        int                     `json:"total"`
	ByLevel      map[types.Sensitivity]int `json:"byLevel"`
	ByDetector   map[string]int          `json:"byDetector"`
	ScanDuration time.Duration           `json:"scanDuration"`
	FilesScanned int                     `json:"filesScanned"`

	Blocked []types.Finding `json:"blocked"`
	Warned  []types.Finding `json:"warned"`
	Logged  []types.Finding `json:"logged"`

	Allowed bool `json:"allowed"`
}

// Aggregate applies policy to findings observed while scanning filesScanned
// files over elapsed scanDuration, per spec.md §4.5.
func Aggregate(findings []types.Finding, policy Policy, filesScanned int, scanDuration time.Duration) Summary {
	actions := policy.Actions
	if actions == nil {
		actions = DefaultActionMap
	}

	matchers := compileAllowlist(policy.Allowlist)

	summary := Summary{
		ByLevel:      make(map[types.Sensitivity]int),
		ByDetector:   make(map[string]int),
		ScanDuration: scanDuration,
		FilesScanned: filesScanned,
	}

	for _, f := range findings {
		if isAllowlisted(f, matchers) {
			continue
		}

		summary.Total++
		summary.ByLevel[f.Sensitivity]++
		summary.ByDetector[f.Detector]++

		switch actions[f.Sensitivity] {
		case types.ActionDeny, types.ActionBlock:
			summary.Blocked = append(summary.Blocked, f)
		case types.ActionWarn:
			summary.Warned = append(summary.Warned, f)
		default: // ActionLog, or an unmapped sensitivity
			summary.Logged = append(summary.Logged, f)
		}
	}

	summary.Allowed = len(summary.Blocked) == 0
	return summary
}

type compiledAllowlistEntry struct {
	matcher   *ignore.GitIgnore
	entry     types.AllowlistEntry
	detectors map[string]bool
}

func compileAllowlist(entries []types.AllowlistEntry) []compiledAllowlistEntry {
	compiled := make([]compiledAllowlistEntry, 0, len(entries))
	for _, e := range entries {
		var detectors map[string]bool
		if len(e.Detectors) > 0 {
			detectors = make(map[string]bool, len(e.Detectors))
			for _, d := range e.Detectors {
				detectors[d] = true
			}
		}
		// gitignore lets a pattern with no slash match at any depth; anchor
		// it to the root so a single * stays within one directory and only
		// ** crosses directories.
		glob := e.Glob
		if !strings.Contains(glob, "/") {
			glob = "/" + glob
		}
		compiled = append(compiled, compiledAllowlistEntry{
			matcher:   ignore.CompileIgnoreLines(glob),
			entry:     e,
			detectors: detectors,
		})
	}
	return compiled
}

func isAllowlisted(f types.Finding, entries []compiledAllowlistEntry) bool {
	for _, c := range entries {
		if !c.matcher.MatchesPath(f.File) {
			continue
		}
		if isExpired(c.entry.ExpiresAt) {
			continue
		}
		if c.detectors != nil && !c.detectors[f.Detector] {
			continue
		}
		return true
	}
	return false
}

// isExpired reports whether an ISO-8601 date has passed. An empty date
// never expires, per spec.md §4.5.
func isExpired(expiresAt string) bool {
	if expiresAt == "" {
		return false
	}
	t, err := time.Parse("2006-01-02", expiresAt)
	if err != nil {
		// malformed dates are treated as non-expiring rather than
		// silently suppressing findings
		return false
	}
	return time.Now().After(t)
}
