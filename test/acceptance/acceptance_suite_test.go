// Package acceptance_test exercises spec.md §8's end-to-end scenarios
// against the real internal/app.App wiring, grounded in the teacher's
// test/acceptance suite (acceptance_suite_test.go's BeforeSuite binary
// build, run_test.go/line_test.go's per-scenario Describe/BeforeEach/
// AfterEach shape). Rather than building and exec'ing a CLI binary like
// the teacher does, each test drives app.App's Go API directly and uses
// `sh -c` fixture scripts standing in for a real coding-agent binary —
// there is no equivalent of the teacher's single fixed agent.command
// config to build once in BeforeSuite, since every scenario here needs a
// differently-shaped fixture agent.
package acceptance_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}
