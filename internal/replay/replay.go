// Package replay implements Replay Bundle workspace materialization
// (§4.14): extracting a verified evidence bundle to a temp workspace
// directory and producing the replay provenance annotation consumed by
// internal/summary.
package replay

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Rul1an/assay/internal/evidence"
)

// Mode is the replay execution mode (§4.14, spec.md §4.12 provenance.replay_mode).
type Mode string

const (
	ModeOffline Mode = "offline"
	ModeLive    Mode = "live"
)

// Workspace is the materialized result of extracting one verified bundle.
type Workspace struct {
	Dir         string
	Manifest    evidence.Manifest
	EventCount  int
	RunRoot     string
	SourceRunID string
}

// ManifestPath is manifest.json's path inside a workspace.
func (w Workspace) ManifestPath() string { return filepath.Join(w.Dir, "manifest.json") }

// EventsPath is events.ndjson's path inside a workspace.
func (w Workspace) EventsPath() string { return filepath.Join(w.Dir, "events.ndjson") }

// EventsDir is the per-event split directory, one file per seq, written for
// convenient inspection without re-parsing the NDJSON stream.
func (w Workspace) EventsDir() string { return filepath.Join(w.Dir, "events") }

// Digest returns the bundle's own sha256 digest (§4.12 provenance.bundle_digest),
// distinct from the bundle's internal run_root, which hashes only the event
// content_hashes, not the archive bytes.
func Digest(bundle []byte) string {
	sum := sha256.Sum256(bundle)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Materialize verifies bundle against limits, then extracts manifest.json
// and events.ndjson into dir (created if absent), plus an events/ directory
// with one pretty-printed JSON file per event seq. Verification failures are
// returned as-is (typically a *evidence.VerifyError) so the caller can map
// them to the E_REPLAY_MISSING_DEPENDENCY / config-error reason codes per
// §7's propagation policy; this package does not itself choose a reason code.
func Materialize(bundle []byte, dir string, limits evidence.Limits) (Workspace, error) {
	verify, err := evidence.VerifyBundle(bytes.NewReader(bundle), limits)
	if err != nil {
		return Workspace{}, fmt.Errorf("replay: bundle failed verification: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("replay: create workspace dir: %w", err)
	}

	manifestBytes, eventsBytes, err := extractRaw(bundle, limits)
	if err != nil {
		return Workspace{}, fmt.Errorf("replay: re-extract bundle contents: %w", err)
	}

	w := Workspace{
		Dir:         dir,
		Manifest:    verify.Manifest,
		EventCount:  verify.EventCount,
		RunRoot:     verify.ComputedRunRoot,
		SourceRunID: verify.Manifest.RunID,
	}

	if err := os.WriteFile(w.ManifestPath(), manifestBytes, 0o644); err != nil {
		return Workspace{}, fmt.Errorf("replay: write manifest.json: %w", err)
	}
	if err := os.WriteFile(w.EventsPath(), eventsBytes, 0o644); err != nil {
		return Workspace{}, fmt.Errorf("replay: write events.ndjson: %w", err)
	}
	if err := w.splitEvents(eventsBytes); err != nil {
		// A failed split is a convenience-feature loss, not a verification
		// failure: the caller already has the verified, intact
		// manifest.json/events.ndjson pair and can proceed.
		slog.Warn("replay: failed to split events.ndjson by seq", "err", err)
	}

	return w, nil
}

// splitEvents writes one pretty-printed JSON file per event under
// EventsDir(), named by zero-padded seq so a directory listing sorts in
// execution order.
func (w Workspace) splitEvents(eventsBytes []byte) error {
	if err := os.MkdirAll(w.EventsDir(), 0o755); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(eventsBytes))
	for {
		var e evidence.Event
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode event: %w", err)
		}
		pretty, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%012d.json", e.Seq)
		if err := os.WriteFile(filepath.Join(w.EventsDir(), name), pretty, 0o644); err != nil {
			return err
		}
	}
}

// extractRaw re-reads the archive to recover manifest.json's and
// events.ndjson's raw bytes for materialization. It is intentionally
// separate from evidence.VerifyBundle's streaming pass: the verifier is not
// required to retain file contents once it has hashed and checked them, so
// extraction is a second, bounded pass over the same already-verified bytes.
func extractRaw(bundle []byte, limits evidence.Limits) (manifestBytes, eventsBytes []byte, err error) {
	gz, err := gzip.NewReader(io.LimitReader(bytes.NewReader(bundle), int64(limits.MaxBundleBytes)))
	if err != nil {
		return nil, nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(io.LimitReader(gz, int64(limits.MaxDecodeBytes)))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		switch hdr.Name {
		case "manifest.json":
			manifestBytes, err = io.ReadAll(tr)
			if err != nil {
				return nil, nil, err
			}
		case "events.ndjson":
			eventsBytes, err = io.ReadAll(tr)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	if manifestBytes == nil {
		return nil, nil, fmt.Errorf("bundle missing manifest.json")
	}
	if eventsBytes == nil {
		return nil, nil, fmt.Errorf("bundle missing events.ndjson")
	}
	return manifestBytes, eventsBytes, nil
}
