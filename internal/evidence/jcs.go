package evidence

import (
	"fmt"
	"strconv"
	"strings"
)

// toJCS canonicalizes an arbitrary JSON-compatible value tree as RFC 8785
// bytes: sorted object keys (UTF-16 code unit order), minimal string
// escaping, and ECMA-262-shortest-round-trip number formatting. This mirrors
// internal/canon.ToJCS's algorithm (same key-sort and string-escape rules)
// but additionally accepts float64 and uint64, which canon's strict
// YAML-subset canonicalizer deliberately rejects (floats and unsafe
// integers have no canonical YAML-subset representation there). Evidence
// events carry arbitrary caller-supplied JSON payloads in Data, which can
// legitimately contain floats, so this package needs its own encoder rather
// than relaxing canon's intentionally narrow one.
func toJCS(value any) ([]byte, error) {
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
	case int:
		fmt.Fprintf(b, "%d", v)
	case int64:
		fmt.Fprintf(b, "%d", v)
	case uint64:
		fmt.Fprintf(b, "%d", v)
	case float64:
		writeJCSNumber(b, v)
	case string:
		writeJCSString(b, v)
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
			writeJCSString(b, k)
			b.WriteByte(':')
			if err := writeJCS(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("evidence: unsupported JCS value type %T", value)
	}
	return nil
}

// writeJCSNumber formats a float64 per RFC 8785 §3.2.2.3: the shortest
// round-trip digits, in plain decimal notation for magnitudes in
// [1e-6, 1e21) (integral values without a decimal point) and in exponent
// notation without exponent zero-padding otherwise.
func writeJCSNumber(b *strings.Builder, f float64) {
	if f == 0 {
		b.WriteString("0")
		return
	}
	abs := f
	if abs < 0 {
		abs = -abs
	}
	if abs >= 1e-6 && abs < 1e21 {
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	s = strings.Replace(strings.Replace(s, "e-0", "e-", 1), "e+0", "e+", 1)
	b.WriteString(s)
}

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

func writeJCSString(b *strings.Builder, s string) {
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
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
