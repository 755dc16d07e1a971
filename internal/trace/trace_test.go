package trace

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTraceFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFromFile_TypedEvent(t *testing.T) {
	path := writeTraceFile(t, `{"type":"assay.trace","prompt":"hi","response":"hello back","model":"gpt-x"}`)

	c, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	r, err := c.Lookup("hi")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if r.Text != "hello back" || r.Model != "gpt-x" {
		t.Fatalf("got %+v", r)
	}
}

func TestFromFile_LegacyToolOnly(t *testing.T) {
	path := writeTraceFile(t, `{"tool":"search","args":{"q":"cats"},"result":"found 3"}`)

	c, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	r, err := c.Lookup("ignore")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if r.Text != "found 3" {
		t.Fatalf("Text = %q, want found 3", r.Text)
	}
	if r.Meta["tool_calls"] == nil {
		t.Fatal("expected tool_calls in meta")
	}
}

func TestFromFile_EpisodeLifecycle(t *testing.T) {
	path := writeTraceFile(t,
		`{"type":"episode_start","episode_id":"e1","input":{"prompt":"what time is it"},"meta":{}}`,
		`{"type":"tool_call","episode_id":"e1","step_id":"s1","tool_name":"clock","args":{},"result":"3pm"}`,
		`{"type":"episode_end","episode_id":"e1","final_output":"It is 3pm"}`,
	)

	c, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	r, err := c.Lookup("what time is it")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if r.Text != "It is 3pm" {
		t.Fatalf("Text = %q", r.Text)
	}
}

func TestFromFile_DuplicatePromptRejected(t *testing.T) {
	path := writeTraceFile(t,
		`{"type":"assay.trace","prompt":"hi","response":"a"}`,
		`{"type":"assay.trace","prompt":"hi","response":"b"}`,
	)

	_, err := FromFile(path)
	if err == nil {
		t.Fatal("expected duplicate prompt error")
	}
}

func TestLookup_MissReturnsClosestMatch(t *testing.T) {
	path := writeTraceFile(t, `{"type":"assay.trace","prompt":"What is the capital of France?","response":"Paris"}`)

	c, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	_, err = c.Lookup("What is the capitol of France?")
	if err == nil {
		t.Fatal("expected a trace miss")
	}
	tm, ok := err.(*TraceMissError)
	if !ok {
		t.Fatalf("err type = %T, want *TraceMissError", err)
	}
	if tm.ClosestMatch == nil {
		t.Fatal("expected a closest match hint")
	}
	steps := tm.FixSteps()
	if len(steps) == 0 {
		t.Fatal("expected fix steps")
	}
}

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	p1 := writeTraceFile(t,
		`{"type":"assay.trace","prompt":"a","response":"1"}`,
		`{"type":"assay.trace","prompt":"b","response":"2"}`,
	)
	p2 := writeTraceFile(t,
		`{"type":"assay.trace","prompt":"b","response":"2"}`,
		`{"type":"assay.trace","prompt":"a","response":"1"}`,
	)

	c1, err := FromFile(p1)
	if err != nil {
		t.Fatalf("FromFile p1: %v", err)
	}
	c2, err := FromFile(p2)
	if err != nil {
		t.Fatalf("FromFile p2: %v", err)
	}
	if c1.Fingerprint() != c2.Fingerprint() {
		t.Fatalf("fingerprints differ across line order: %s != %s", c1.Fingerprint(), c2.Fingerprint())
	}
}
