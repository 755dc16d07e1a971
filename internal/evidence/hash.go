package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeContentHash canonicalizes event (excluding its own ContentHash
// field, mirroring internal/audit/hash.go's ComputeEventHash pattern of
// hashing everything but the hash field itself) and returns its
// "sha256:<hex>" digest.
func ComputeContentHash(e Event) (string, error) {
	m := eventToMap(e)
	delete(m, "content_hash")
	jcs, err := toJCS(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(jcs)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ComputeRunRoot is the manifest's integrity chain root: sha256 over the
// concatenation of every event's content_hash plus a trailing newline each,
// in seq order.
func ComputeRunRoot(contentHashes []string) string {
	var buf strings.Builder
	for _, h := range contentHashes {
		buf.WriteString(h)
		buf.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(buf.String()))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func eventToMap(e Event) map[string]any {
	m := map[string]any{
		"specversion": e.SpecVersion,
		"type":        e.Type,
		"source":      e.Source,
		"id":          e.ID,
		"run_id":      e.RunID,
		"seq":         int64(e.Seq),
		"time":        e.Time.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		"data":        anyMap(e.Data),
	}
	if e.ContentHash != "" {
		m["content_hash"] = e.ContentHash
	}
	if e.Producer != nil {
		m["producer"] = map[string]any{"name": e.Producer.Name, "version": e.Producer.Version}
	}
	return m
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func normalizeHash(h string) string {
	if strings.HasPrefix(h, "sha256:") {
		return h
	}
	return "sha256:" + h
}
