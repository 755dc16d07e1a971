// Package canon implements the Canonicalizer: a strict YAML-subset parser
// that rejects anchors, aliases, tags, multi-document streams, duplicate
// keys, floats, out-of-range integers, and non-string keys, then serializes
// the accepted document as RFC 8785 JCS bytes and a sha256 digest.
package canon

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const (
	MaxDepth          = 50
	MaxKeysPerMapping = 10_000
	MaxStringLength   = 1 << 20        // 1 MiB
	MaxTotalSize      = 10 * (1 << 20) // 10 MiB
	MaxSafeInteger    = int64(1) << 53
	MinSafeInteger    = -(int64(1) << 53)
)

// Digest returns the canonical sha256 digest and JCS bytes of a strict-subset
// YAML document, or the first rule violated.
func Digest(content string) (digest string, jcs []byte, err error) {
	value, err := ParseStrict(content)
	if err != nil {
		return "", nil, err
	}
	jcs, err = ToJCS(value)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(jcs)
	return "sha256:" + hex.EncodeToString(sum[:]), jcs, nil
}

// ParseStrict parses content under the strict YAML subset and returns a
// JSON-compatible value tree (nil, bool, int64, string, []any, map[string]any).
func ParseStrict(content string) (any, error) {
	if len(content) > MaxTotalSize {
		return nil, errInputTooLarge(len(content))
	}

	if err := preScan(content); err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, errParse(err.Error())
	}
	if doc.Kind == 0 {
		// empty document
		return nil, nil
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, nil
		}
		if len(root.Content) > 1 {
			return nil, errMultiDocument()
		}
		root = root.Content[0]
	}

	return nodeToValue(root, 0)
}

// preScan is a fast line-based reject pass for multi-document markers,
// anchors, aliases, and tags written outside quoted strings, and block-style
// duplicate keys -- ported from the reference canonicalizer's pre_scan_yaml.
func preScan(content string) error {
	type scope struct {
		indent int
		keys   map[string]bool
	}
	stack := []scope{{indent: 0, keys: map[string]bool{}}}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxTotalSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		indent := len(line) - len(strings.TrimLeft(line, " "))

		if trimmed == "---" || strings.HasPrefix(trimmed, "--- ") || trimmed == "..." {
			return errMultiDocument()
		}

		if colon := strings.Index(trimmed, ":"); colon >= 0 {
			valuePart := strings.TrimLeft(trimmed[colon+1:], " \t")
			if strings.HasPrefix(valuePart, "&") && len(valuePart) > 1 && isIdentChar(rune(valuePart[1])) {
				return errAnchor(fmt.Sprintf("line %d", lineNum))
			}
			if strings.HasPrefix(valuePart, "*") && len(valuePart) > 1 && isIdentChar(rune(valuePart[1])) {
				return errAlias(fmt.Sprintf("line %d", lineNum))
			}
		}

		if strings.Contains(trimmed, "!!") || strings.Contains(trimmed, "!<") {
			if !insideQuotes(trimmed, "!!") && !insideQuotes(trimmed, "!<") {
				tagStart := strings.Index(trimmed, "!!")
				if tagStart < 0 {
					tagStart = strings.Index(trimmed, "!<")
				}
				rest := trimmed[tagStart:]
				end := len(rest)
				if idx := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' || r == ':' }); idx >= 0 {
					end = idx
				}
				if end > 20 {
					end = 20
				}
				return errTag(rest[:end])
			}
		}

		isListItem := strings.HasPrefix(trimmed, "-")
		keySource := trimmed
		if isListItem {
			keySource = strings.TrimLeft(strings.TrimPrefix(trimmed, "-"), " \t")
		}

		if isListItem {
			for len(stack) > 1 && stack[len(stack)-1].indent >= indent {
				stack = stack[:len(stack)-1]
			}
			if stack[len(stack)-1].indent < indent {
				stack = append(stack, scope{indent: indent, keys: map[string]bool{}})
			}
		}

		if key, ok := extractKey(keySource); ok {
			if !isListItem {
				for len(stack) > 1 && stack[len(stack)-1].indent > indent {
					stack = stack[:len(stack)-1]
				}
				if stack[len(stack)-1].indent < indent {
					stack = append(stack, scope{indent: indent, keys: map[string]bool{}})
				}
			}
			top := &stack[len(stack)-1]
			if top.keys[key] {
				return errDuplicateKey(key)
			}
			top.keys[key] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return errParse(err.Error())
	}
	return nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

func insideQuotes(line, pattern string) bool {
	pos := strings.Index(line, pattern)
	if pos < 0 {
		return false
	}
	before := line[:pos]
	dq := strings.Count(before, `"`) - strings.Count(before, `\"`)
	sq := strings.Count(before, `'`) - strings.Count(before, `\'`)
	return dq%2 == 1 || sq%2 == 1
}

// extractKey extracts a YAML mapping key from a line, mirroring
// extract_yaml_key in the reference canonicalizer.
func extractKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "-") {
		return "", false
	}
	if trimmed == "|" || trimmed == ">" || trimmed == "|-" || trimmed == ">-" {
		return "", false
	}

	if strings.HasPrefix(trimmed, `"`) {
		rest := trimmed[1:]
		if end := strings.Index(rest, `"`); end >= 0 {
			after := strings.TrimLeft(rest[end+1:], " \t")
			if strings.HasPrefix(after, ":") {
				return rest[:end], true
			}
		}
		return "", false
	}
	if strings.HasPrefix(trimmed, "'") {
		rest := trimmed[1:]
		if end := strings.Index(rest, "'"); end >= 0 {
			after := strings.TrimLeft(rest[end+1:], " \t")
			if strings.HasPrefix(after, ":") {
				return rest[:end], true
			}
		}
		return "", false
	}

	depth := 0
	for i, r := range trimmed {
		switch r {
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 {
				key := strings.TrimSpace(trimmed[:i])
				if key != "" && !strings.Contains(key, " ") {
					return key, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// nodeToValue converts a validated yaml.Node into a JSON-compatible value,
// enforcing depth, key-count, string-length, float, integer-range, and
// non-string-key rules, plus duplicate-key detection for flow mappings
// (block mappings were already checked by preScan).
func nodeToValue(n *yaml.Node, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, errMaxDepth(depth)
	}

	if n.Anchor != "" {
		return nil, errAnchor(fmt.Sprintf("line %d", n.Line))
	}
	if n.Kind == yaml.AliasNode {
		return nil, errAlias(fmt.Sprintf("line %d", n.Line))
	}

	switch n.Kind {
	case yaml.ScalarNode:
		return scalarToValue(n)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := nodeToValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		if len(n.Content)/2 > MaxKeysPerMapping {
			return nil, errMaxKeys(len(n.Content) / 2)
		}
		out := make(map[string]any, len(n.Content)/2)
		seen := make(map[string]bool, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode := n.Content[i]
			valNode := n.Content[i+1]
			if keyNode.Kind != yaml.ScalarNode || keyNode.Tag != "!!str" {
				return nil, errNonStringKey()
			}
			key := keyNode.Value
			if seen[key] {
				return nil, errDuplicateKey(key)
			}
			seen[key] = true
			v, err := nodeToValue(valNode, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	default:
		return nil, errParse(fmt.Sprintf("unsupported YAML node kind %d", n.Kind))
	}
}

func scalarToValue(n *yaml.Node) (any, error) {
	switch n.Tag {
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, errParse(err.Error())
		}
		return b, nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return nil, errIntOutOfRange(n.Value)
		}
		if i > MaxSafeInteger || i < MinSafeInteger {
			return nil, errIntOutOfRange(n.Value)
		}
		return i, nil
	case "!!float":
		return nil, errFloat(n.Value)
	case "!!str":
		if len(n.Value) > MaxStringLength {
			return nil, errStringTooLong(len(n.Value))
		}
		return n.Value, nil
	case "!!timestamp", "!!binary":
		return nil, errTag(n.Tag)
	default:
		return nil, errTag(n.Tag)
	}
}

// ToJCS serializes a canon value tree to RFC 8785 JSON Canonicalization
// Scheme bytes: object keys sorted lexicographically by UTF-16 code unit,
// no insignificant whitespace, JCS number formatting (integers only here,
// since ParseStrict never admits a float).
func ToJCS(value any) ([]byte, error) {
	var b strings.Builder
	if err := writeJCS(&b, value); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeJCS(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int64:
		fmt.Fprintf(b, "%d", v)
	case string:
		writeJSONString(b, v)
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeJCS(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sortByUTF16(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			if err := writeJCS(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return errSerialize(fmt.Sprintf("unsupported value type %T", value))
	}
	return nil
}

// sortByUTF16 sorts strings lexicographically by UTF-16 code unit, per RFC
// 8785 §3.2.3, which differs from a byte/rune sort only for characters
// outside the Basic Multilingual Plane (surrogate pairs sort after BMP
// characters that are numerically larger as raw runes).
func sortByUTF16(keys []string) {
	less := func(a, b string) bool {
		au, bu := utf16Units(a), utf16Units(b)
		for i := 0; i < len(au) && i < len(bu); i++ {
			if au[i] != bu[i] {
				return au[i] < bu[i]
			}
		}
		return len(au) < len(bu)
	}
	// insertion sort is fine: key counts are bounded by MaxKeysPerMapping
	// and this only runs at serialization time, not in a hot loop.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && less(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r > 0xFFFF {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
		} else {
			units = append(units, uint16(r))
		}
	}
	return units
}

// writeJSONString writes s as a JCS-compliant JSON string literal: minimal
// required escaping, no \/ escaping of forward slashes.
func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else if r == utf8.RuneError {
				b.WriteRune(r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
