// Package baseline implements §4.11 baseline regression checking: a loaded
// baseline document of prior per-test-per-metric scores, checked in either
// absolute or relative mode as each test's metrics are scored.
package baseline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Rul1an/assay/internal/assayerr"
)

// Mode selects how a score is compared against its baseline entry.
type Mode string

const (
	ModeAbsolute Mode = "absolute"
	ModeRelative Mode = "relative"
)

// Entry is one recorded prior score for a (test, metric) pair.
type Entry struct {
	TestID string         `json:"test_id"`
	Metric string         `json:"metric"`
	Score  float64        `json:"score"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Baseline is the loaded baseline document (§4.11): a signed-optional list
// of entries plus the suite/fingerprint it was captured against.
type Baseline struct {
	SchemaVersion     int     `json:"schema_version"`
	Suite             string  `json:"suite"`
	ConfigFingerprint string  `json:"config_fingerprint"`
	Entries           []Entry `json:"entries"`

	index map[string]Entry
}

// Config configures how Check compares a live score against the baseline.
type Config struct {
	Mode     Mode
	MinFloor float64 // absolute mode: fail if score < MinFloor
	MaxDrop  float64 // relative mode: fail if score < baseline.Score - MaxDrop
}

// LoadFile reads and parses a baseline document.
func LoadFile(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline file: %w", err)
	}
	return Load(data)
}

// Load parses a baseline document from raw JSON bytes.
func Load(data []byte) (*Baseline, error) {
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, assayerr.New(assayerr.ECfgParse, assayerr.ClassConfig, "parse baseline: "+err.Error())
	}
	if b.SchemaVersion == 0 {
		b.SchemaVersion = 1
	}
	b.buildIndex()
	return &b, nil
}

func (b *Baseline) buildIndex() {
	b.index = make(map[string]Entry, len(b.Entries))
	for _, e := range b.Entries {
		b.index[key(e.TestID, e.Metric)] = e
	}
}

func key(testID, metric string) string { return testID + "\x00" + metric }

// Validate enforces that the loaded baseline was captured for the same
// suite and config fingerprint the current run is evaluating; a mismatch is
// a config-class fatal (the run stops with only a minimal failure summary).
func (b *Baseline) Validate(suite, configFingerprint string) error {
	if b.Suite != "" && b.Suite != suite {
		return assayerr.New(assayerr.ECfgValidation, assayerr.ClassConfig,
			fmt.Sprintf("baseline suite %q does not match run suite %q", b.Suite, suite))
	}
	if b.ConfigFingerprint != "" && b.ConfigFingerprint != configFingerprint {
		return assayerr.New(assayerr.ECfgValidation, assayerr.ClassConfig,
			fmt.Sprintf("baseline config_fingerprint %q does not match run fingerprint %q", b.ConfigFingerprint, configFingerprint))
	}
	return nil
}

// Verdict is the regression outcome of checking one (test, metric) score.
type Verdict struct {
	Regressed bool
	Status    string // "fail" | "warn" | ""
	Message   string
}

// Check compares score for (testID, metric) against the baseline under cfg.
func (b *Baseline) Check(cfg Config, testID, metric string, score float64) Verdict {
	entry, ok := b.index[key(testID, metric)]
	if !ok {
		if cfg.Mode == ModeRelative {
			return Verdict{Regressed: true, Status: "warn",
				Message: fmt.Sprintf("missing baseline for %s/%s", testID, metric)}
		}
		return Verdict{}
	}

	switch cfg.Mode {
	case ModeAbsolute:
		if score < cfg.MinFloor {
			return Verdict{Regressed: true, Status: "fail", Message: "baseline regression"}
		}
	case ModeRelative:
		if score < entry.Score-cfg.MaxDrop {
			return Verdict{Regressed: true, Status: "fail", Message: "baseline regression"}
		}
	}
	return Verdict{}
}
