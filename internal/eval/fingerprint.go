package eval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint computes the stable per-test-case fingerprint (§3, §4.8 step
// 1) used for the incremental-skip check and the VCR cache key: the suite
// name, model, test id, prompt, expectation shape (the metric names
// configured for the test, in order), and a policy hash if the test
// references an external policy file.
func Fingerprint(suite, model string, tc TestCase, policyHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "suite=%s\x00model=%s\x00test_id=%s\x00prompt=%s\x00", suite, model, tc.ID, tc.Prompt)
	for _, m := range tc.Metrics {
		fmt.Fprintf(h, "metric=%s\x00", m.Name)
	}
	if policyHash != "" {
		fmt.Fprintf(h, "policy=%s\x00", policyHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey computes the VCR cache key (§4.8 step 3): model, prompt,
// fingerprint, and the provider's own fingerprint (e.g. a trace file's
// content fingerprint), so a provider swap never serves a stale recording.
func CacheKey(model, prompt, fingerprint, providerFingerprint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", model, prompt, fingerprint, providerFingerprint)
	return hex.EncodeToString(h.Sum(nil))
}
