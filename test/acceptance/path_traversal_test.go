package acceptance_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/re-cinq/agentgate/internal/sandbox"
)

// Exercises spec.md §8 scenario 4: a relative path that escapes the
// sandbox mount is rejected before any I/O, and the sandbox's own state
// is untouched by the attempt.
var _ = Describe("reading a path outside the sandbox mount", func() {
	It("rejects with a traversal error and leaves the sandbox running", func() {
		dir := GinkgoT().TempDir()
		Expect(writeWorkspace(dir)).To(Succeed())

		provider := sandbox.NewSubprocessProvider()
		box, err := provider.Create(context.Background(), sandbox.Config{WorkspacePath: dir})
		Expect(err).NotTo(HaveOccurred())
		defer box.Destroy(context.Background())

		_, err = box.ReadFile("../../etc/passwd")
		Expect(err).To(HaveOccurred())
		var escapeErr *sandbox.ErrPathEscapesMount
		Expect(errors.As(err, &escapeErr)).To(BeTrue())

		Expect(box.Status()).To(Equal(sandbox.StatusRunning))
	})
})
