package convergence

import (
	"math"
	"strconv"
)

// maxWindow bounds the sliding window of fingerprints kept for loop
// detection, per spec.md §4.6.
const maxWindow = 10

// Fingerprint summarizes one iteration's resulting state for loop
// detection: a whole-snapshot hash, optional per-file hashes for
// similarity comparisons, and a short signature of the errors gates
// reported (used to notice the agent cycling through the same failure).
type Fingerprint struct {
	Iteration      int
	SHA            string
	PerFileHashes  map[string]string
	ErrorSignature string
}

// DetectionResult reports whether the sliding window shows a non-
// converging pattern, per spec.md §4.6.
type DetectionResult struct {
	Detected   bool
	Pattern    string // exact | semantic | oscillating
	Confidence float64
	Reason     string
}

// Window is the sliding window of recent fingerprints a controller feeds
// one iteration at a time.
type Window struct {
	entries []Fingerprint
}

// Add appends fp, dropping the oldest entry once the window exceeds
// maxWindow.
func (w *Window) Add(fp Fingerprint) {
	w.entries = append(w.entries, fp)
	if len(w.entries) > maxWindow {
		w.entries = w.entries[len(w.entries)-maxWindow:]
	}
}

// Detect inspects the current window for oscillating, exact, or semantic
// repetition, per spec.md §4.6's three pattern definitions. Oscillation is
// checked first because an A,B,A,B window always also repeats a sha, and
// the more specific diagnosis is preferred; exact repetition is checked
// before semantic for the same reason.
func (w *Window) Detect() DetectionResult {
	if result := w.detectOscillating(); result.Detected {
		return result
	}
	if result := w.detectExact(); result.Detected {
		return result
	}
	if result := w.detectSemantic(); result.Detected {
		return result
	}
	return DetectionResult{}
}

func (w *Window) detectExact() DetectionResult {
	counts := make(map[string]int)
	for _, fp := range w.entries {
		counts[fp.SHA]++
	}
	for sha, count := range counts {
		if count >= 2 {
			return DetectionResult{
				Detected:   true,
				Pattern:    "exact",
				Confidence: math.Min(1, float64(count)/3),
				Reason:     "snapshot sha " + sha + " repeated " + strconv.Itoa(count) + " times",
			}
		}
	}
	return DetectionResult{}
}

func (w *Window) detectSemantic() DetectionResult {
	counts := make(map[string]int)
	for _, fp := range w.entries {
		if fp.ErrorSignature == "" {
			continue
		}
		counts[fp.ErrorSignature]++
	}
	for sig, count := range counts {
		if count >= 2 {
			return DetectionResult{
				Detected:   true,
				Pattern:    "semantic",
				Confidence: math.Min(1, float64(count)/3),
				Reason:     "error signature repeated " + strconv.Itoa(count) + " times: " + sig,
			}
		}
	}
	return DetectionResult{}
}

func (w *Window) detectOscillating() DetectionResult {
	if len(w.entries) < 4 {
		return DetectionResult{}
	}
	last4 := w.entries[len(w.entries)-4:]
	a := last4[0].SHA
	b := last4[1].SHA
	if a == last4[2].SHA && b == last4[3].SHA && a != b {
		return DetectionResult{
			Detected:   true,
			Pattern:    "oscillating",
			Confidence: 0.9,
			Reason:     "snapshot alternates between two states across the last 4 iterations",
		}
	}
	return DetectionResult{}
}

// similarity compares two fingerprints' per-file hashes: the fraction of
// the union of files whose hash matches in both. Falls back to whole-
// snapshot sha equality when neither has per-file hashes.
func similarity(a, b Fingerprint) float64 {
	if len(a.PerFileHashes) == 0 && len(b.PerFileHashes) == 0 {
		if a.SHA == b.SHA {
			return 1
		}
		return 0
	}

	seen := make(map[string]bool)
	matches := 0
	total := 0
	for file, hash := range a.PerFileHashes {
		seen[file] = true
		total++
		if b.PerFileHashes[file] == hash {
			matches++
		}
	}
	for file := range b.PerFileHashes {
		if seen[file] {
			continue
		}
		total++
	}
	if total == 0 {
		return 1
	}
	return float64(matches) / float64(total)
}
