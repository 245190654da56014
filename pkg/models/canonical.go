package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
)

// CanonicalizeJSON returns a canonical form for arbitrary JSON: object keys
// sorted, no insignificant whitespace, numbers kept as written. Digests over
// this form are stable across re-encodings of the same value.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// Digest computes the salted sha256 hex digest of a value's canonical JSON
// form. Values that cannot be marshalled digest a fixed sentinel rather than
// failing, so ledger writes never abort on content.
func Digest(v interface{}, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return DigestBytes([]byte("unserializable"), salt)
	}
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return DigestBytes(raw, salt)
	}
	return DigestBytes(canon, salt)
}

// DigestBytes computes the salted sha256 hex digest of raw bytes.
func DigestBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// DigestString computes the salted sha256 hex digest of a string.
func DigestString(s string, salt []byte) string {
	return DigestBytes([]byte(s), salt)
}
