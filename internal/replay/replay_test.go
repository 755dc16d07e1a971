package replay

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Rul1an/assay/internal/evidence"
	"github.com/Rul1an/assay/internal/summary"
)

func buildBundle(t *testing.T, runID string, n int) []byte {
	t.Helper()
	w := evidence.NewWriter()
	for i := 0; i < n; i++ {
		w.AddEvent(evidence.NewEvent("assay.test", "urn:assay:test", runID, uint64(i), map[string]any{"i": float64(i)}))
	}
	var buf bytes.Buffer
	if err := w.Finish(&buf); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func TestMaterialize_WritesManifestEventsAndSplit(t *testing.T) {
	bundle := buildBundle(t, "run_abc", 3)
	dir := t.TempDir()

	w, err := Materialize(bundle, dir, evidence.DefaultLimits())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if w.EventCount != 3 {
		t.Fatalf("EventCount = %d, want 3", w.EventCount)
	}
	if w.SourceRunID != "run_abc" {
		t.Fatalf("SourceRunID = %q, want run_abc", w.SourceRunID)
	}

	if _, err := os.Stat(w.ManifestPath()); err != nil {
		t.Fatalf("manifest.json not written: %v", err)
	}
	if _, err := os.Stat(w.EventsPath()); err != nil {
		t.Fatalf("events.ndjson not written: %v", err)
	}
	for _, name := range []string{"000000000000.json", "000000000001.json", "000000000002.json"} {
		p := filepath.Join(w.EventsDir(), name)
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("split event %s not written: %v", name, err)
		}
		var e evidence.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("split event %s not valid JSON: %v", name, err)
		}
	}
}

func TestMaterialize_RejectsTamperedBundle(t *testing.T) {
	bundle := buildBundle(t, "run_abc", 2)
	tampered := bytes.Replace(bundle, []byte{0x00}, []byte{0x01}, 1)
	if bytes.Equal(bundle, tampered) {
		t.Skip("no zero byte found to tamper with")
	}
	dir := t.TempDir()
	if _, err := Materialize(tampered, dir, evidence.DefaultLimits()); err == nil {
		t.Fatal("expected verification failure on tampered bundle bytes")
	}
}

func TestDigest_StableForSameBytes(t *testing.T) {
	bundle := buildBundle(t, "run_abc", 1)
	if Digest(bundle) != Digest(append([]byte{}, bundle...)) {
		t.Fatal("digest must be deterministic over identical bytes")
	}
}

func TestAnnotateSummary_SetsReplayFields(t *testing.T) {
	w := Workspace{SourceRunID: "run_xyz"}
	s := summary.Success("2.12.0", true)
	s = AnnotateSummary(s, "sha256:deadbeef", ModeOffline, w)
	if s.Provenance.Replay == nil || !*s.Provenance.Replay {
		t.Fatal("expected provenance.replay=true")
	}
	if s.Provenance.BundleDigest != "sha256:deadbeef" || s.Provenance.ReplayMode != "offline" || s.Provenance.SourceRunID != "run_xyz" {
		t.Fatalf("unexpected provenance: %+v", s.Provenance)
	}
}
