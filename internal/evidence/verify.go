package evidence

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ErrorClass is the top-level taxonomy a VerifyError belongs to (§4.10).
type ErrorClass string

const (
	ClassIntegrity ErrorClass = "integrity"
	ClassContract  ErrorClass = "contract"
	ClassSecurity  ErrorClass = "security"
	ClassLimits    ErrorClass = "limits"
)

// ErrorCode is a stable per-failure-mode code within its ErrorClass.
type ErrorCode string

const (
	CodeIntegrityGzip             ErrorCode = "integrity_gzip"
	CodeIntegrityTar              ErrorCode = "integrity_tar"
	CodeIntegrityManifestHash     ErrorCode = "integrity_manifest_hash"
	CodeIntegrityEventHash        ErrorCode = "integrity_event_hash"
	CodeIntegrityRunRootMismatch  ErrorCode = "integrity_run_root_mismatch"
	CodeIntegrityIO               ErrorCode = "integrity_io"
	CodeContractMissingManifest   ErrorCode = "contract_missing_manifest"
	CodeContractSchemaVersion     ErrorCode = "contract_schema_version"
	CodeContractFileOrder         ErrorCode = "contract_file_order"
	CodeContractMissingFile       ErrorCode = "contract_missing_file"
	CodeContractDuplicateFile     ErrorCode = "contract_duplicate_file"
	CodeContractUnexpectedFile    ErrorCode = "contract_unexpected_file"
	CodeContractRunIDMismatch     ErrorCode = "contract_run_id_mismatch"
	CodeContractSequenceGap       ErrorCode = "contract_sequence_gap"
	CodeContractInvalidJSON       ErrorCode = "contract_invalid_json"
	CodeContractInvalidEvent      ErrorCode = "contract_invalid_event"
	CodeLimitPathLength           ErrorCode = "limit_path_length"
	CodeLimitFileSize             ErrorCode = "limit_file_size"
	CodeLimitTotalEvents          ErrorCode = "limit_total_events"
	CodeLimitLineBytes            ErrorCode = "limit_line_bytes"
	CodeLimitJSONDepth            ErrorCode = "limit_json_depth"
	CodeLimitBundleBytes          ErrorCode = "limit_bundle_bytes"
	CodeLimitDecodeBytes          ErrorCode = "limit_decode_bytes"
	CodeSecurityPathTraversal     ErrorCode = "security_path_traversal"
	CodeSecurityAbsolutePath      ErrorCode = "security_absolute_path"
)

// VerifyError is a typed, stable-coded verification failure.
type VerifyError struct {
	Class   ErrorClass
	Code    ErrorCode
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Class, e.Message, e.Code)
}

func newVerifyError(class ErrorClass, code ErrorCode, message string) *VerifyError {
	return &VerifyError{Class: class, Code: code, Message: message}
}

// Limits bounds every resource the verifier allocates while reading an
// untrusted bundle (§4.10's DoS-prevention defaults).
type Limits struct {
	MaxBundleBytes   int64
	MaxDecodeBytes   int64
	MaxManifestBytes int64
	MaxEventsBytes   int64
	MaxEvents        int
	MaxLineBytes     int
	MaxPathLen       int
	MaxJSONDepth     int
}

// DefaultLimits matches the spec's stated defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxBundleBytes:   100 * 1024 * 1024,
		MaxDecodeBytes:   1024 * 1024 * 1024,
		MaxManifestBytes: 10 * 1024 * 1024,
		MaxEventsBytes:   500 * 1024 * 1024,
		MaxEvents:        100_000,
		MaxLineBytes:     1 * 1024 * 1024,
		MaxPathLen:       256,
		MaxJSONDepth:     64,
	}
}

// VerifyResult is what a successful verification reports.
type VerifyResult struct {
	Manifest        Manifest
	EventCount      int
	ComputedRunRoot string
}

// limitReader fails explicitly once more than limit bytes have been read,
// rather than silently truncating — the distinguishing property a zip-bomb
// or oversized-upload guard needs.
type limitReader struct {
	r        io.Reader
	limit    int64
	read     int64
	class    ErrorClass
	code     ErrorCode
}

func (lr *limitReader) Read(p []byte) (int, error) {
	if lr.read >= lr.limit {
		return 0, newVerifyError(lr.class, lr.code, fmt.Sprintf("exceeded limit of %d bytes", lr.limit))
	}
	max := lr.limit - lr.read
	if int64(len(p)) > max {
		p = p[:max]
	}
	n, err := lr.r.Read(p)
	lr.read += int64(n)
	return n, err
}

// VerifyBundle runs a single streaming pass over r (a tar.gz evidence
// bundle) and enforces limits, returning the verified manifest and the
// recomputed run root.
func VerifyBundle(r io.Reader, limits Limits) (VerifyResult, error) {
	bounded := &limitReader{r: r, limit: limits.MaxBundleBytes, class: ClassLimits, code: CodeLimitBundleBytes}
	gz, err := gzip.NewReader(bounded)
	if err != nil {
		if ve, ok := err.(*VerifyError); ok {
			return VerifyResult{}, ve
		}
		return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityGzip, err.Error())
	}
	decoded := &limitReader{r: gz, limit: limits.MaxDecodeBytes, class: ClassLimits, code: CodeLimitDecodeBytes}
	tr := tar.NewReader(decoded)

	var manifest *Manifest
	var eventCount int
	var computedRunRoot string
	var eventsVerified bool
	seen := map[string]bool{}

	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ve, ok := err.(*VerifyError); ok {
				return VerifyResult{}, ve
			}
			return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityTar, fmt.Sprintf("entry #%d: %s", i, err))
		}
		path := hdr.Name

		if len(path) > limits.MaxPathLen {
			return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitPathLength,
				fmt.Sprintf("path length %d exceeds limit %d", len(path), limits.MaxPathLen))
		}
		if strings.HasPrefix(path, "/") {
			return VerifyResult{}, newVerifyError(ClassSecurity, CodeSecurityAbsolutePath,
				fmt.Sprintf("absolute path %q not allowed", path))
		}
		if strings.Contains(path, "..") {
			return VerifyResult{}, newVerifyError(ClassSecurity, CodeSecurityPathTraversal,
				fmt.Sprintf("invalid path component in %q", path))
		}

		maxSize := limits.MaxEventsBytes
		if path == "manifest.json" {
			maxSize = limits.MaxManifestBytes
		}
		if hdr.Size > maxSize {
			return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitFileSize,
				fmt.Sprintf("file %q declared size %d exceeds limit %d", path, hdr.Size, maxSize))
		}

		if !allowedFiles[path] {
			return VerifyResult{}, newVerifyError(ClassContract, CodeContractUnexpectedFile,
				fmt.Sprintf("unexpected file %q", path))
		}
		if seen[path] {
			return VerifyResult{}, newVerifyError(ClassContract, CodeContractDuplicateFile,
				fmt.Sprintf("duplicate file %q", path))
		}
		seen[path] = true

		if i == 0 {
			if path != "manifest.json" {
				return VerifyResult{}, newVerifyError(ClassContract, CodeContractFileOrder, "first file must be manifest.json")
			}
			content, err := io.ReadAll(io.LimitReader(tr, limits.MaxManifestBytes+1))
			if err != nil {
				return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityIO, err.Error())
			}
			if int64(len(content)) > limits.MaxManifestBytes {
				return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitFileSize, "manifest exceeds size limit")
			}
			if err := checkJSONDepth(content, limits.MaxJSONDepth); err != nil {
				return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitJSONDepth, "manifest.json: "+err.Error())
			}
			var m Manifest
			if err := json.Unmarshal(content, &m); err != nil {
				return VerifyResult{}, newVerifyError(ClassContract, CodeContractInvalidJSON, "manifest.json: "+err.Error())
			}
			if m.SchemaVersion != 1 {
				return VerifyResult{}, newVerifyError(ClassContract, CodeContractSchemaVersion,
					fmt.Sprintf("unsupported schema version: %d", m.SchemaVersion))
			}
			manifest = &m
			continue
		}

		if manifest == nil {
			return VerifyResult{}, newVerifyError(ClassContract, CodeContractFileOrder, "file encountered before manifest.json")
		}

		if path == "events.ndjson" {
			fileMeta, ok := manifest.Files["events.ndjson"]
			if !ok {
				return VerifyResult{}, newVerifyError(ClassContract, CodeContractMissingFile, "manifest missing events.ndjson")
			}

			hasher := sha256.New()
			teed := io.TeeReader(tr, hasher)
			br := bufio.NewReaderSize(teed, 64*1024)

			var prevSeq int64 = -1
			var contentHashes []string
			firstLine := true

			for {
				line, lerr := readLineBounded(br, limits.MaxLineBytes)
				if lerr != nil && lerr != io.EOF {
					return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitLineBytes, lerr.Error())
				}
				streamDone := lerr == io.EOF
				if len(line) == 0 && streamDone {
					break
				}

				if firstLine && bytes.HasPrefix(line, []byte{0xEF, 0xBB, 0xBF}) {
					return VerifyResult{}, newVerifyError(ClassContract, CodeContractInvalidJSON, "BOM not allowed in NDJSON")
				}
				firstLine = false

				eventCount++
				if eventCount > limits.MaxEvents {
					return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitTotalEvents,
						fmt.Sprintf("event count exceeds limit %d", limits.MaxEvents))
				}

				content := bytes.TrimSuffix(line, []byte("\n"))
				content = bytes.TrimSuffix(content, []byte("\r"))
				if len(content) == 0 {
					continue
				}

				if err := checkJSONDepth(content, limits.MaxJSONDepth); err != nil {
					return VerifyResult{}, newVerifyError(ClassLimits, CodeLimitJSONDepth,
						fmt.Sprintf("events.ndjson: seq %d: %s", eventCount-1, err.Error()))
				}

				var e Event
				if err := json.Unmarshal(content, &e); err != nil {
					return VerifyResult{}, newVerifyError(ClassContract, CodeContractInvalidJSON, "events.ndjson: "+err.Error())
				}
				if e.SpecVersion != "1.0" {
					return VerifyResult{}, newVerifyError(ClassContract, CodeContractSchemaVersion, "invalid specversion")
				}
				if e.ContentHash == "" {
					return VerifyResult{}, newVerifyError(ClassContract, CodeContractInvalidEvent, "missing content_hash")
				}
				claimed := e.ContentHash
				computed, err := ComputeContentHash(e)
				if err != nil {
					return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityEventHash, err.Error())
				}
				if claimed != computed {
					return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityEventHash,
						fmt.Sprintf("content hash mismatch at seq %d", e.Seq))
				}
				contentHashes = append(contentHashes, computed)

				if prevSeq == -1 {
					if e.Seq != 0 {
						return VerifyResult{}, newVerifyError(ClassContract, CodeContractSequenceGap, "first event seq != 0")
					}
				} else if int64(e.Seq) != prevSeq+1 {
					return VerifyResult{}, newVerifyError(ClassContract, CodeContractSequenceGap, "sequence gap")
				}
				prevSeq = int64(e.Seq)

				if e.RunID != manifest.RunID {
					return VerifyResult{}, newVerifyError(ClassContract, CodeContractRunIDMismatch, "inconsistent run_id")
				}

				if streamDone {
					break
				}
			}

			actualHash := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
			if actualHash != normalizeHash(fileMeta.SHA256) {
				return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityManifestHash, "events.ndjson hash mismatch")
			}
			if eventCount != manifest.EventCount {
				return VerifyResult{}, newVerifyError(ClassContract, CodeContractSequenceGap, "event count mismatch")
			}

			computedRunRoot = ComputeRunRoot(contentHashes)
			if computedRunRoot != manifest.RunRoot {
				return VerifyResult{}, newVerifyError(ClassIntegrity, CodeIntegrityRunRootMismatch, "run root mismatch")
			}
			eventsVerified = true
		}
	}

	if !eventsVerified {
		return VerifyResult{}, newVerifyError(ClassContract, CodeContractMissingFile, "missing events.ndjson")
	}

	return VerifyResult{Manifest: *manifest, EventCount: eventCount, ComputedRunRoot: computedRunRoot}, nil
}

// checkJSONDepth rejects data whose object/array nesting exceeds maxDepth,
// without fully decoding it into a Go value — the defense the spec's
// MaxJSONDepth limit names against a deeply nested JSON bomb (a payload
// small on the wire but expensive, or fatal, to unmarshal recursively).
func checkJSONDepth(data []byte, maxDepth int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Malformed JSON is reported by the subsequent json.Unmarshal call
			// with a more specific error; depth-checking a token stream that
			// doesn't parse at all is not this function's job.
			return nil
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return fmt.Errorf("exceeds max JSON depth %d", maxDepth)
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// readLineBounded reads up to and including the next '\n' (or EOF), failing
// before allocating more than max bytes for a single line.
func readLineBounded(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > max {
			return nil, fmt.Errorf("line exceeded limit of %d bytes", max)
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return buf, err
	}
}
