package evidence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Manifest is the bundle's first file: integrity and file metadata (§4.10).
type Manifest struct {
	SchemaVersion int                 `json:"schema_version"`
	BundleID      string              `json:"bundle_id"`
	Producer      ProducerMeta        `json:"producer"`
	RunID         string              `json:"run_id"`
	EventCount    int                 `json:"event_count"`
	RunRoot       string              `json:"run_root"`
	Algorithms    AlgorithmMeta       `json:"algorithms"`
	Files         map[string]FileMeta `json:"files"`
}

// AlgorithmMeta labels the canonicalization/hash/root algorithms in use, so a
// verifier never has to assume which scheme produced a bundle.
type AlgorithmMeta struct {
	Canon string `json:"canon"`
	Hash  string `json:"hash"`
	Root  string `json:"root"`
}

func defaultAlgorithmMeta() AlgorithmMeta {
	return AlgorithmMeta{
		Canon: "jcs-rfc8785",
		Hash:  "sha256",
		Root:  `sha256(concat(content_hash + "\n"))`,
	}
}

// FileMeta is one archived file's content hash and size.
type FileMeta struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  uint64 `json:"bytes"`
}

// allowedFiles is the strict archive allowlist; verify_bundle rejects
// anything else (§4.10).
var allowedFiles = map[string]bool{"manifest.json": true, "events.ndjson": true}

// Writer collects events and produces a deterministic tar.gz bundle on
// Finish. Events are normalized (content_hash computed if missing, id
// validated) before being written.
type Writer struct {
	events   []Event
	producer *ProducerMeta
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// WithProducer overrides the producer metadata recorded in the manifest;
// defaults to the first event's Producer if never called.
func (w *Writer) WithProducer(p ProducerMeta) *Writer {
	w.producer = &p
	return w
}

// AddEvent appends an event. Events are sorted by Seq and validated in
// Finish, so callers may add them out of order.
func (w *Writer) AddEvent(e Event) { w.events = append(w.events, e) }

// Finish normalizes, hashes, and writes the bundle to dst.
func (w *Writer) Finish(dst io.Writer) error {
	if len(w.events) == 0 {
		return fmt.Errorf("evidence: bundle is empty, at least one event required")
	}

	events := make([]Event, len(w.events))
	copy(events, w.events)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	runID := events[0].RunID
	source := events[0].Source

	contentHashes := make([]string, len(events))
	for i := range events {
		e := &events[i]
		if e.Seq != uint64(i) {
			return fmt.Errorf("evidence: sequence gap at index %d: found seq=%d, expected seq=%d", i, e.Seq, i)
		}
		if e.RunID != runID {
			return fmt.Errorf("evidence: inconsistent run_id at seq=%d: expected %q, found %q", e.Seq, runID, e.RunID)
		}
		if e.Source != source {
			return fmt.Errorf("evidence: inconsistent source at seq=%d: expected %q, found %q", e.Seq, source, e.Source)
		}
		if !isURI(e.Source) {
			return fmt.Errorf("evidence: invalid source format at seq=%d: %q is not a URI", e.Seq, e.Source)
		}
		if containsColon(e.RunID) {
			return fmt.Errorf("evidence: invalid run_id %q: run_id cannot contain colons", e.RunID)
		}

		hash, err := ComputeContentHash(*e)
		if err != nil {
			return fmt.Errorf("evidence: compute content hash at seq=%d: %w", e.Seq, err)
		}
		if e.ContentHash != "" && e.ContentHash != hash {
			return fmt.Errorf("evidence: event seq=%d has inconsistent content_hash", e.Seq)
		}
		e.ContentHash = hash

		if expected := StreamID(e.RunID, e.Seq); e.ID != expected {
			return fmt.Errorf("evidence: event seq=%d has incorrect id %q, want %q", e.Seq, e.ID, expected)
		}
		contentHashes[i] = hash
	}

	var eventsBuf bytes.Buffer
	for _, e := range events {
		m := eventToMap(e)
		jcs, err := toJCS(m)
		if err != nil {
			return fmt.Errorf("evidence: canonicalize event: %w", err)
		}
		eventsBuf.Write(jcs)
		eventsBuf.WriteByte('\n')
	}
	eventsBytes := eventsBuf.Bytes()
	eventsSum := sha256.Sum256(eventsBytes)
	eventsSHA256 := "sha256:" + hex.EncodeToString(eventsSum[:])

	runRoot := ComputeRunRoot(contentHashes)

	producer := ProducerMeta{Name: "assay", Version: "v1"}
	if w.producer != nil {
		producer = *w.producer
	} else if events[0].Producer != nil {
		producer = *events[0].Producer
	}

	manifest := Manifest{
		SchemaVersion: 1,
		BundleID:      runRoot,
		Producer:      producer,
		RunID:         runID,
		EventCount:    len(events),
		RunRoot:       runRoot,
		Algorithms:    defaultAlgorithmMeta(),
		Files: map[string]FileMeta{
			"events.ndjson": {Path: "events.ndjson", SHA256: eventsSHA256, Bytes: uint64(len(eventsBytes))},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("evidence: marshal manifest: %w", err)
	}

	gz, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		return err
	}
	gz.ModTime = epoch
	gz.OS = 255 // unknown, deterministic

	tw := tar.NewWriter(gz)
	if err := writeEntry(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}
	if err := writeEntry(tw, "events.ndjson", eventsBytes); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0o644,
		Uid:      0,
		Gid:      0,
		Uname:    "assay",
		Gname:    "assay",
		ModTime:  epoch,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func isURI(s string) bool {
	idx := indexByte(s, ':')
	return idx > 0
}

func containsColon(s string) bool { return indexByte(s, ':') >= 0 }

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
