// Package canonical provides deterministic JSON serialization and the hashes
// derived from it: entry content hashes and idempotency request hashes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal serializes a JSON value deterministically: object keys sorted
// lexicographically at every depth, array order preserved. Input is raw JSON;
// invalid input is an error.
func Marshal(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON type %T", v)
	}
	return nil
}

// ContentHash computes the entry content hash: hex sha256 over
// "<path>:<canonical(value)>".
func ContentHash(path string, value json.RawMessage) (string, error) {
	canon, err := Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(append([]byte(path), ':'), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// RequestHash computes the idempotency hash of a request body using the
// canonical form, so key-order-equivalent payloads hash identically.
func RequestHash(body json.RawMessage) (string, error) {
	canon, err := Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// LegacyRequestHash hashes the raw body bytes. Retained as a comparator so
// records written before canonical hashing still match their retries.
func LegacyRequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
