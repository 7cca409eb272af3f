package acceptance_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/re-cinq/agentgate/internal/gate"
	"github.com/re-cinq/agentgate/internal/sandbox"
)

// Exercises spec.md §8 scenario 3: a fingerprint-strategy convergence
// gate reports "first iteration — no previous state" on its first check,
// then passes once the watched file's content repeats unchanged.
var _ = Describe("the fingerprint convergence gate", func() {
	It("fails the first iteration and passes once content repeats", func() {
		dir := GinkgoT().TempDir()
		Expect(writeWorkspace(dir)).To(Succeed())

		provider := sandbox.NewSubprocessProvider()
		box, err := provider.Create(context.Background(), sandbox.Config{WorkspacePath: dir})
		Expect(err).NotTo(HaveOccurred())
		defer box.Destroy(context.Background())

		Expect(box.WriteFile("output.txt", []byte("same content\n"))).To(Succeed())

		runner, err := gate.NewConvergenceRunner(gate.ConvergenceConfig{
			Strategy:  gate.StrategyFingerprint,
			Threshold: 1.0,
			Path:      "output.txt",
		})
		Expect(err).NotTo(HaveOccurred())

		first, err := runner.Check(box, "wo-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Passed).To(BeFalse())
		Expect(first.Details["reason"]).To(Equal("first iteration — no previous state"))

		second, err := runner.Check(box, "wo-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Passed).To(BeTrue())
	})
})
