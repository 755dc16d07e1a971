package evidence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func buildBundle(t *testing.T, n int) []byte {
	t.Helper()
	w := NewWriter()
	for i := 0; i < n; i++ {
		w.AddEvent(NewEvent("assay.test", "urn:assay:test", "run_test", uint64(i), map[string]any{"seq": float64(i)}))
	}
	var buf bytes.Buffer
	if err := w.Finish(&buf); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func TestWriteThenVerify_RoundTrip(t *testing.T) {
	data := buildBundle(t, 3)
	res, err := VerifyBundle(bytes.NewReader(data), DefaultLimits())
	if err != nil {
		t.Fatalf("VerifyBundle: %v", err)
	}
	if res.EventCount != 3 {
		t.Fatalf("event count = %d, want 3", res.EventCount)
	}
	if res.Manifest.EventCount != 3 {
		t.Fatalf("manifest event count = %d, want 3", res.Manifest.EventCount)
	}
	if res.ComputedRunRoot != res.Manifest.RunRoot {
		t.Fatalf("computed run root %q != manifest run root %q", res.ComputedRunRoot, res.Manifest.RunRoot)
	}
}

func TestWriter_EmptyBundleFails(t *testing.T) {
	w := NewWriter()
	var buf bytes.Buffer
	if err := w.Finish(&buf); err == nil {
		t.Fatal("expected error for empty bundle")
	}
}

func TestWriter_SequenceGapFails(t *testing.T) {
	w := NewWriter()
	w.AddEvent(NewEvent("assay.test", "urn:assay:test", "run_test", 0, nil))
	w.AddEvent(NewEvent("assay.test", "urn:assay:test", "run_test", 2, nil))
	var buf bytes.Buffer
	if err := w.Finish(&buf); err == nil {
		t.Fatal("expected sequence gap error")
	}
}

func TestWriter_InconsistentRunIDFails(t *testing.T) {
	w := NewWriter()
	w.AddEvent(NewEvent("assay.test", "urn:assay:test", "run_a", 0, nil))
	e1 := NewEvent("assay.test", "urn:assay:test", "run_b", 1, nil)
	w.AddEvent(e1)
	var buf bytes.Buffer
	if err := w.Finish(&buf); err == nil {
		t.Fatal("expected run_id mismatch error")
	}
}

func TestVerifyBundle_ManifestFirst(t *testing.T) {
	data := buildBundle(t, 1)
	res, err := VerifyBundle(bytes.NewReader(data), DefaultLimits())
	if err != nil {
		t.Fatalf("VerifyBundle: %v", err)
	}
	if res.Manifest.Files["events.ndjson"].Path != "events.ndjson" {
		t.Fatalf("manifest files missing events.ndjson entry")
	}
}

func TestVerifyBundle_TamperedEventsFailsHash(t *testing.T) {
	e := NewEvent("assay.test", "urn:assay:test", "run_test", 0, map[string]any{"n": float64(1)})
	hash, err := ComputeContentHash(e)
	if err != nil {
		t.Fatalf("ComputeContentHash: %v", err)
	}
	e.ContentHash = hash

	tampered := e
	tampered.Data = map[string]any{"n": float64(2)} // content changed, content_hash left stale

	data := buildRawBundle(t, []Event{tampered})
	if _, err := VerifyBundle(bytes.NewReader(data), DefaultLimits()); err == nil {
		t.Fatal("expected verification failure on tampered bundle")
	}
}

// buildRawBundle writes events exactly as given, bypassing Writer's own
// content_hash normalization, so a test can smuggle in a deliberately stale
// content_hash to exercise the verifier's hash-mismatch path.
func buildRawBundle(t *testing.T, events []Event) []byte {
	t.Helper()
	var eventsBuf bytes.Buffer
	contentHashes := make([]string, len(events))
	for i, e := range events {
		jcs, err := toJCS(eventToMap(e))
		if err != nil {
			t.Fatalf("toJCS: %v", err)
		}
		eventsBuf.Write(jcs)
		eventsBuf.WriteByte('\n')
		contentHashes[i] = e.ContentHash
	}
	eventsBytes := eventsBuf.Bytes()

	sum := sha256.Sum256(eventsBytes)
	manifest := Manifest{
		SchemaVersion: 1,
		BundleID:      "bundle",
		Producer:      ProducerMeta{Name: "assay", Version: "v1"},
		RunID:         events[0].RunID,
		EventCount:    len(events),
		RunRoot:       ComputeRunRoot(contentHashes),
		Algorithms:    defaultAlgorithmMeta(),
		Files: map[string]FileMeta{
			"events.ndjson": {Path: "events.ndjson", SHA256: "sha256:" + hex.EncodeToString(sum[:]), Bytes: uint64(len(eventsBytes))},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	var out bytes.Buffer
	gz, err := gzip.NewWriterLevel(&out, gzip.BestCompression)
	if err != nil {
		t.Fatalf("gzip writer: %v", err)
	}
	tw := tar.NewWriter(gz)
	if err := writeEntry(tw, "manifest.json", manifestBytes); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := writeEntry(tw, "events.ndjson", eventsBytes); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return out.Bytes()
}

func TestVerifyBundle_EventCountLimitEnforced(t *testing.T) {
	data := buildBundle(t, 5)
	limits := DefaultLimits()
	limits.MaxEvents = 1
	_, err := VerifyBundle(bytes.NewReader(data), limits)
	if err == nil {
		t.Fatal("expected event count limit error")
	}
	ve, ok := err.(*VerifyError)
	if !ok {
		t.Fatalf("error type = %T, want *VerifyError", err)
	}
	if ve.Code != CodeLimitTotalEvents {
		t.Fatalf("code = %s, want %s", ve.Code, CodeLimitTotalEvents)
	}
	if ve.Class != ClassLimits {
		t.Fatalf("class = %s, want %s", ve.Class, ClassLimits)
	}
}

func TestVerifyBundle_FileSizeLimitEnforced(t *testing.T) {
	data := buildBundle(t, 1)
	limits := DefaultLimits()
	limits.MaxEventsBytes = 1
	_, err := VerifyBundle(bytes.NewReader(data), limits)
	if err == nil {
		t.Fatal("expected file size limit error")
	}
}

func TestVerifyBundle_JSONDepthLimitEnforced(t *testing.T) {
	w := NewWriter()
	nested := map[string]any{"v": 1}
	for i := 0; i < 5; i++ {
		nested = map[string]any{"nest": nested}
	}
	w.AddEvent(NewEvent("assay.test", "urn:assay:test", "run_test", 0, nested))
	var buf bytes.Buffer
	if err := w.Finish(&buf); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	limits := DefaultLimits()
	limits.MaxJSONDepth = 3
	_, err := VerifyBundle(bytes.NewReader(buf.Bytes()), limits)
	if err == nil {
		t.Fatal("expected JSON depth limit error")
	}
	ve, ok := err.(*VerifyError)
	if !ok {
		t.Fatalf("error type = %T, want *VerifyError", err)
	}
	if ve.Code != CodeLimitJSONDepth {
		t.Fatalf("code = %s, want %s", ve.Code, CodeLimitJSONDepth)
	}
	if ve.Class != ClassLimits {
		t.Fatalf("class = %s, want %s", ve.Class, ClassLimits)
	}
}

func TestVerifyBundle_JSONDepthWithinLimitPasses(t *testing.T) {
	data := buildBundle(t, 1)
	limits := DefaultLimits()
	limits.MaxJSONDepth = 64
	if _, err := VerifyBundle(bytes.NewReader(data), limits); err != nil {
		t.Fatalf("VerifyBundle: %v", err)
	}
}

func TestCheckJSONDepth(t *testing.T) {
	if err := checkJSONDepth([]byte(`{"a":{"b":1}}`), 2); err != nil {
		t.Fatalf("unexpected error at limit: %v", err)
	}
	if err := checkJSONDepth([]byte(`{"a":{"b":{"c":1}}}`), 2); err == nil {
		t.Fatal("expected depth-exceeded error")
	}
	if err := checkJSONDepth([]byte(`[1,[2,[3]]]`), 2); err == nil {
		t.Fatal("expected depth-exceeded error for nested arrays")
	}
}

func TestComputeRunRoot_OrderSensitive(t *testing.T) {
	a := ComputeRunRoot([]string{"sha256:aa", "sha256:bb"})
	b := ComputeRunRoot([]string{"sha256:bb", "sha256:aa"})
	if a == b {
		t.Fatal("run root must be sensitive to content_hash order")
	}
}

func TestToJCS_SortsKeysAndFormatsIntegralFloats(t *testing.T) {
	out, err := toJCS(map[string]any{"b": 1.0, "a": "x"})
	if err != nil {
		t.Fatalf("toJCS: %v", err)
	}
	want := `{"a":"x","b":1}`
	if string(out) != want {
		t.Fatalf("toJCS = %s, want %s", out, want)
	}
}
