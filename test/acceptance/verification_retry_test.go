package acceptance_test

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/re-cinq/agentgate/internal/agent"
	"github.com/re-cinq/agentgate/internal/types"
)

// Exercises spec.md §8 scenario 2: a gate that fails on the first two
// iterations and passes on the third drives three FEEDBACK -> BUILDING
// cycles before the run converges.
var _ = Describe("a work order whose gate fails twice before passing", func() {
	It("runs three iterations and then succeeds", func() {
		dir := GinkgoT().TempDir()

		ws := filepath.Join(dir, "workspace")
		Expect(writeWorkspace(ws)).To(Succeed())

		counterFile := filepath.Join(dir, "gate-counter")
		checkScript, err := fixtureScript(dir, "check.sh", fmt.Sprintf(`#!/bin/sh
f=%q
n=0
if [ -f "$f" ]; then n=$(cat "$f"); fi
n=$((n+1))
echo "$n" > "$f"
if [ "$n" -lt 3 ]; then exit 1; fi
exit 0
`, counterFile))
		Expect(err).NotTo(HaveOccurred())

		planPath := filepath.Join(dir, "gateplan.yaml")
		Expect(writeGatePlan(planPath, fmt.Sprintf(`
version: "1"
strategy: fixed
config:
  n: 3
gates:
  - name: flaky-check
    check:
      type: custom_command
      command: %s
      expectExitCode: 0
    onFailure:
      action: retry
      maxRetries: 3
limits:
  maxIterations: 3
`, checkScript))).To(Succeed())

		a, err := newTestApp(filepath.Join(dir, "store"))
		Expect(err).NotTo(HaveOccurred())
		defer a.Close(context.Background())

		agentScript, err := fixtureScript(dir, "agent.sh", "#!/bin/sh\necho '{\"assistant\":{\"message\":{\"type\":\"text\",\"text\":\"working\"}}}'\n")
		Expect(err).NotTo(HaveOccurred())
		a.Drivers.Register(agent.NewSubprocessDriver("fixture", "sh", []string{agentScript}, false, agent.Capabilities{}))

		wo := &types.WorkOrder{
			Prompt:              "fix the flaky check until it passes",
			Workspace:           types.WorkspaceSource{Kind: types.SourceLocal, Path: ws},
			AgentDriverKey:      "fixture",
			MaxIterations:       3,
			MaxWallClockSeconds: 60,
			GatePlanSource:      planPath,
		}
		Expect(a.Submit(wo)).To(Succeed())

		_, cancel := startApp(a)
		defer cancel()

		loaded, err := loadTerminalWorkOrder(a, wo.ID, 15*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Status).To(Equal(types.WorkOrderSucceeded))

		run, err := a.Entities.LoadRun(loaded.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Iteration).To(Equal(3))
		Expect(len(run.History)).To(Equal(3))
	})
})
