package runstate

import "fmt"

// Validate runs the startup self-test spec.md §4.7 requires: every
// non-terminal state has at least one outgoing edge, every terminal state
// has none, every state is reachable from Initial, and every declared event
// is handled by at least one state (beyond the universal
// USER_CANCELED/SYSTEM_ERROR handling, which Apply grants unconditionally).
func Validate() error {
	for _, s := range AllStates() {
		row := table[s]
		if terminal[s] {
			if len(row) != 0 {
				return fmt.Errorf("terminal state %s has %d outgoing edges, want 0", s, len(row))
			}
			continue
		}
		if len(row) == 0 {
			return fmt.Errorf("non-terminal state %s has no outgoing edges", s)
		}
	}

	reachable := reachableFrom(Initial)
	for _, s := range AllStates() {
		if !reachable[s] {
			return fmt.Errorf("state %s is not reachable from %s", s, Initial)
		}
	}

	handled := map[Event]bool{UserCanceled: true, SystemError: true}
	for _, row := range table {
		for e := range row {
			handled[e] = true
		}
	}
	for _, e := range AllEvents() {
		if !handled[e] {
			return fmt.Errorf("event %s is never handled by any state", e)
		}
	}

	return nil
}

func reachableFrom(start State) map[State]bool {
	seen := map[State]bool{start: true}
	queue := []State{start}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range table[s] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
		// USER_CANCELED/SYSTEM_ERROR reach Canceled/Failed from every
		// non-terminal state; include them so reachability matches Apply.
		if !terminal[s] {
			if !seen[Canceled] {
				seen[Canceled] = true
				queue = append(queue, Canceled)
			}
			if !seen[Failed] {
				seen[Failed] = true
				queue = append(queue, Failed)
			}
		}
	}
	return seen
}
