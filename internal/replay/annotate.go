package replay

import "github.com/Rul1an/assay/internal/summary"

// AnnotateSummary marks s as produced by replaying w's bundle (§4.14): sets
// provenance.replay=true, the bundle's own digest (not its run_root), the
// replay mode, and the source run id recovered from the bundle's manifest.
func AnnotateSummary(s summary.Summary, bundleDigest string, mode Mode, w Workspace) summary.Summary {
	return s.WithReplayProvenance(bundleDigest, string(mode), w.SourceRunID)
}
