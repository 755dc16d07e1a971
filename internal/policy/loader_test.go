package policy

import "testing"

func TestLoad_ValidConfig(t *testing.T) {
	data := []byte(`
tools:
  allow: ["get_*"]
  deny: ["drop_*"]
enforcement:
  unconstrained_tools: deny
sequence:
  - kind: max_calls
    tool: restart_pod
    max: 1
aliases:
  list_pods: ["k8s.get_pods"]
`)
	cfg, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != "1" || len(cfg.Sequence) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_UnknownSequenceKindRejected(t *testing.T) {
	data := []byte(`
sequence:
  - kind: bogus
`)
	if _, err := Load(data); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_BeforeRuleMissingOtherRejected(t *testing.T) {
	data := []byte(`
sequence:
  - kind: before
    tool: plan
`)
	if _, err := Load(data); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enforcement.UnconstrainedTools != UnconstrainedWarn {
		t.Fatalf("cfg = %+v", cfg)
	}
}
