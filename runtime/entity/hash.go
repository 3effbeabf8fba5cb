package entity

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ContentHash computes the stable content hash over the embeddable surface of
// an entity. The hash must survive process restarts and implementation
// changes, so the input is fully canonical:
//
//   - field names lowercased and sorted
//   - string values normalized to UTF-8 NFC
//   - values encoded as canonical JSON (sorted keys, no insignificant
//     whitespace)
//   - the textual representation of a Chunk appended last under the
//     reserved key "~text"
//
// The result is the lowercase hex SHA-1 of the canonical byte string.
func ContentHash(e Entity) (string, error) {
	b := e.base()
	names := make([]string, 0, len(b.Embeddable))
	for _, n := range b.Embeddable {
		names = append(names, strings.ToLower(n))
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		v, ok := b.Fields[name]
		if !ok {
			// Also accept the original casing so connectors can declare
			// Embeddable with their natural field names.
			v, ok = fieldByFold(b.Fields, name)
			if !ok {
				continue
			}
		}
		enc, err := canonicalJSON(v)
		if err != nil {
			return "", fmt.Errorf("entity %s: hash field %s: %w", b.EntityID, name, err)
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.Write(enc)
		sb.WriteByte('\n')
	}
	if c, ok := e.(*Chunk); ok {
		sb.WriteString("~text=")
		sb.WriteString(norm.NFC.String(c.Text))
		sb.WriteByte('\n')
	}
	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

func fieldByFold(fields map[string]any, lower string) (any, bool) {
	for k, v := range fields {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return nil, false
}

// canonicalJSON encodes v deterministically: map keys sorted, strings NFC
// normalized, no insignificant whitespace. encoding/json already sorts map
// keys and emits compact output; normalization walks the value first.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(normalizeValue(v))
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ToLower(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
