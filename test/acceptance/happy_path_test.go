package acceptance_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/re-cinq/agentgate/internal/agent"
	"github.com/re-cinq/agentgate/internal/events"
	"github.com/re-cinq/agentgate/internal/types"
)

// Exercises spec.md §8 scenario 1: a work order whose agent converges on
// the first iteration against a single passing gate reaches SUCCEEDED,
// and a subscriber watching the whole run sees exactly one "connected"
// event and a terminal "progress_update" event reporting completion.
var _ = Describe("a work order that converges on the first iteration", func() {
	It("succeeds and emits exactly one connected event and a 100% progress_update", func() {
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

		agentScript, err := fixtureScript(dir, "agent.sh", "#!/bin/sh\necho '{\"assistant\":{\"message\":{\"type\":\"text\",\"text\":\"done\"}}}'\n")
		Expect(err).NotTo(HaveOccurred())

		a.Drivers.Register(agent.NewSubprocessDriver("fixture", "sh", []string{agentScript}, false, agent.Capabilities{}))

		wo := &types.WorkOrder{
			Prompt:              "implement the requested change end to end",
			Workspace:           types.WorkspaceSource{Kind: types.SourceLocal, Path: ws},
			AgentDriverKey:      "fixture",
			MaxIterations:       1,
			MaxWallClockSeconds: 60,
			GatePlanSource:      planPath,
		}
		Expect(a.Submit(wo)).To(Succeed())

		sock := &fakeSocket{}
		a.Broadcaster.Connect("conn-1", sock)
		a.Broadcaster.Subscribe("conn-1", wo.ID, events.PartialPreferences{})

		_, cancel := startApp(a)
		defer cancel()

		loaded, err := loadTerminalWorkOrder(a, wo.ID, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Status).To(Equal(types.WorkOrderSucceeded))

		Expect(sock.countType("connected")).To(Equal(1))

		progress := sock.messagesOfType("progress_update")
		Expect(progress).NotTo(BeEmpty())
		last := progress[len(progress)-1]["event"].(map[string]any)
		Expect(last["percentage"]).To(BeNumerically("==", 100))
	})
})
