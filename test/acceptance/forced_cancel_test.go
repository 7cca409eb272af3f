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

// Exercises spec.md §8 scenario 5: canceling a work order whose agent is
// mid-sleep stops the subprocess and reaches CANCELED within a second,
// freeing the queue slot.
var _ = Describe("forcing cancellation of a running work order", func() {
	It("reaches CANCELED within a second and kills the subprocess", func() {
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

		a.Drivers.Register(agent.NewSubprocessDriver("sleeper", "sleep", []string{"60"}, false, agent.Capabilities{}))

		wo := &types.WorkOrder{
			Prompt:              "simulate a long-running agent invocation",
			Workspace:           types.WorkspaceSource{Kind: types.SourceLocal, Path: ws},
			AgentDriverKey:      "sleeper",
			MaxIterations:       1,
			MaxWallClockSeconds: 60,
			GatePlanSource:      planPath,
		}
		Expect(a.Submit(wo)).To(Succeed())

		_, cancel := startApp(a)
		defer cancel()

		Expect(waitFor(2*time.Second, "work order to start running", func() bool {
			loaded, err := a.Entities.LoadWorkOrder(wo.ID)
			return err == nil && loaded.Status == types.WorkOrderRunning
		})).To(Succeed())

		time.Sleep(100 * time.Millisecond)
		Expect(a.Cancel(wo.ID)).To(Succeed())

		start := time.Now()
		loaded, err := loadTerminalWorkOrder(a, wo.ID, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(time.Since(start)).To(BeNumerically("<=", time.Second))
		Expect(loaded.Status).To(Equal(types.WorkOrderCanceled))

		Expect(waitFor(time.Second, "process manager to observe the subprocess exit", func() bool {
			info, ok := a.ProcManager.Info(wo.ID)
			return ok && info.Exited
		})).To(Succeed())
	})
})
