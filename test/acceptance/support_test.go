package acceptance_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/re-cinq/agentgate/internal/app"
	"github.com/re-cinq/agentgate/internal/types"
)

// fakeSocket records every message written to it, standing in for a
// *websocket.Conn in these tests. Grounded in events.Socket's minimal
// WriteJSON contract.
type fakeSocket struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (s *fakeSocket) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) snapshot() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *fakeSocket) countType(eventType string) int {
	n := 0
	for _, m := range s.snapshot() {
		if m["type"] == eventType {
			n++
		}
	}
	return n
}

// messagesOfType returns every recorded message of the given type, in
// arrival order.
func (s *fakeSocket) messagesOfType(eventType string) []map[string]any {
	var out []map[string]any
	for _, m := range s.snapshot() {
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

// newTestApp builds an App rooted at a fresh temp StoreDir, using the
// subprocess sandbox provider so tests never need a container runtime.
func newTestApp(storeDir string) (*app.App, error) {
	return app.New(app.Config{
		StoreDir:      storeDir,
		MaxQueueSize:  10,
		MaxConcurrent: 4,
		SandboxMode:   app.SandboxSubprocess,
	})
}

// writeWorkspace creates a local git-less directory at dir to stand in
// for a --workspace local source; the sandbox and gate runners only need
// a directory to exist, not a history backend, for a local source.
func writeWorkspace(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// writeGatePlan renders a minimal YAML gate-plan document to path.
func writeGatePlan(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

// fixtureAgent writes a tiny `sh -c` script file and returns the absolute
// path to sh plus the argv that runs script, for use as a
// WorkOrder.AgentDriverKey's backing driver command. Tests register the
// driver directly via a.Drivers.Register(agent.NewSubprocessDriver(...))
// rather than going through this, since the stream each scenario needs
// to emit differs; this helper exists for the shared "write a script to
// a temp file and shell it" pattern used across several scenarios.
func fixtureScript(dir, name, body string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// waitFor polls cond every 20ms until it reports true or timeout elapses,
// returning an error naming what. Tests use this instead of sleeping a
// fixed duration since run completion timing depends on the OS scheduler.
func waitFor(timeout time.Duration, what string, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func loadTerminalWorkOrder(a *app.App, id string, timeout time.Duration) (*types.WorkOrder, error) {
	var wo *types.WorkOrder
	err := waitFor(timeout, "work order "+id+" to reach a terminal state", func() bool {
		loaded, err := a.Entities.LoadWorkOrder(id)
		if err != nil {
			return false
		}
		wo = loaded
		return loaded.Status.Terminal()
	})
	return wo, err
}

func startApp(a *app.App) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	return ctx, cancel
}
