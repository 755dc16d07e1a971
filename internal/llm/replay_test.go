package llm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Rul1an/assay/internal/assayerr"
	"github.com/Rul1an/assay/internal/trace"
)

func writeTrace(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write trace: %v", err)
	}
	return path
}

func TestTraceClient_Complete(t *testing.T) {
	path := writeTrace(t, `{"type":"assay.trace","prompt":"hi","response":"hello back","model":"gpt-x"}`)
	tc, err := trace.FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	c := NewTraceClient(tc)

	resp, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello back" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestStrictClient_MissBecomesTypedError(t *testing.T) {
	path := writeTrace(t, `{"type":"assay.trace","prompt":"hi","response":"hello back"}`)
	tc, err := trace.FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	c := NewStrictClient(NewTraceClient(tc))

	_, err = c.Complete(context.Background(), Request{Prompt: "bye"})
	if err == nil {
		t.Fatalf("expected error")
	}
	ae, ok := err.(*assayerr.Error)
	if !ok || ae.Code != assayerr.EStrictReplayViol {
		t.Fatalf("err = %v (%T)", err, err)
	}
}

func TestStrictClient_HitPassesThrough(t *testing.T) {
	path := writeTrace(t, `{"type":"assay.trace","prompt":"hi","response":"hello back"}`)
	tc, err := trace.FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	c := NewStrictClient(NewTraceClient(tc))

	resp, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello back" {
		t.Fatalf("resp = %+v", resp)
	}
}
