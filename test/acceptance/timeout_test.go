package acceptance_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/re-cinq/agentgate/internal/agent"
	"github.com/re-cinq/agentgate/internal/types"
)

// Exercises spec.md §8 scenario 6: an agent invocation that outlives its
// own request timeout is reported as a timeout, not a generic failure,
// and the run's terminal result is failed-timeout.
var _ = Describe("a work order whose agent exceeds its own timeout", func() {
	It("fails the run with failed-timeout", func() {
		dir := GinkgoT().TempDir()

		ws := filepath.Join(dir, "workspace")
		Expect(writeWorkspace(ws)).To(Succeed())

		planPath := filepath.Join(dir, "gateplan.yaml")
		Expect(writeGatePlan(planPath, `
version: "1"
strategy: fixed
config:
  n: 1
gates:
  - name: smoke
    check:
      type: custom_command
      command: echo
      args: ["ok"]
      expectExitCode: 0
    onFailure:
      action: stop
limits:
  maxIterations: 1
`)).To(Succeed())

		a, err := newTestApp(filepath.Join(dir, "store"))
		Expect(err).NotTo(HaveOccurred())
		defer a.Close(context.Background())

		a.Drivers.Register(agent.NewSubprocessDriver("sleeper", "sleep", []string{"30"}, false, agent.Capabilities{}))

		wo := &types.WorkOrder{
			Prompt:              "simulate an agent that exceeds its own request timeout",
			Workspace:           types.WorkspaceSource{Kind: types.SourceLocal, Path: ws},
			AgentDriverKey:      "sleeper",
			MaxIterations:       1,
			MaxWallClockSeconds: 60,
			AgentTimeoutMS:      1000,
			GatePlanSource:      planPath,
		}
		Expect(a.Submit(wo)).To(Succeed())

		_, cancel := startApp(a)
		defer cancel()

		loaded, err := loadTerminalWorkOrder(a, wo.ID, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Status).To(Equal(types.WorkOrderFailed))

		run, err := a.Entities.LoadRun(loaded.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Result).NotTo(BeNil())
		Expect(*run.Result).To(Equal(types.ResultFailedTimeout))
	})
})
