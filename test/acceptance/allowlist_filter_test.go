package acceptance_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/re-cinq/agentgate/internal/enforce"
	"github.com/re-cinq/agentgate/internal/types"
)

// Exercises spec.md §8 scenario 7: findings covered by a non-expired
// allowlist entry never reach the blocked bucket, while identical
// findings outside the allowlist are blocked under the restricted/deny
// policy.
var _ = Describe("the enforcement aggregator's allowlist", func() {
	It("suppresses covered findings and blocks uncovered ones", func() {
		findings := []types.Finding{
			{RuleID: "secret-1", Message: "looks like an API key", File: "test/fixtures/creds.go", Sensitivity: types.SeverityRestricted, Detector: "secrets"},
			{RuleID: "secret-2", Message: "looks like an API key", File: "test/fixtures/other.go", Sensitivity: types.SeverityRestricted, Detector: "secrets"},
		}
		policy := enforce.Policy{
			Allowlist: []types.AllowlistEntry{
				{Glob: "test/**", Reason: "fixtures intentionally contain sample secrets"},
			},
		}

		covered := enforce.Aggregate(findings, policy, 2, time.Millisecond)
		Expect(covered.Blocked).To(BeEmpty())
		Expect(covered.Allowed).To(BeTrue())

		uncovered := []types.Finding{
			{RuleID: "secret-3", Message: "looks like an API key", File: "internal/config/secrets.go", Sensitivity: types.SeverityRestricted, Detector: "secrets"},
		}
		blocked := enforce.Aggregate(uncovered, enforce.Policy{}, 1, time.Millisecond)
		Expect(blocked.Blocked).To(HaveLen(1))
		Expect(blocked.Allowed).To(BeFalse())
	})
})
