package entitysync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Checksum returns the SHA-256 hex digest of the canonical JSON form of entity.
//
// Object keys are sorted at every depth. Arrays keep their element order, so
// two snapshots whose lists differ only in ordering are reported as different.
// Values are first round-tripped through encoding/json, which means structs
// hash the same as the equivalent map and all numbers are compared by their
// JSON text.
func Checksum(entity any) (string, error) {
	normalized, err := normalize(entity)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// MustChecksum is like Checksum but panics on error
func MustChecksum(entity any) string {
	sum, err := Checksum(entity)
	if err != nil {
		panic(err)
	}
	return sum
}

// normalize converts any JSON-encodable value into the generic tree of
// map[string]any, []any, json.Number, string, bool and nil.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("checksum: marshal entity: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("checksum: decode entity: %w", err)
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		scalar, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(scalar)
	}
	return nil
}
