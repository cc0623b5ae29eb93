// Package canonical produces the deterministic JSON form that events are
// hashed and signed over.
//
// Canonical output follows RFC 8785: object keys sorted by UTF-16 code
// units, no insignificant whitespace, array order preserved, strings and
// fractional numbers in their RFC 8785 form. Integer literals are the
// exception: they keep their textual form, so values beyond 2^53 such as
// power levels near MaxInt64 are never rounded through a double. Two JSON
// documents that decode to the same tree always canonicalize to the same
// bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf16"

	"github.com/gowebpki/jcs"
)

// DigestName is the key under which content hashes are published.
const DigestName = "sha256"

// Transform canonicalizes an already encoded JSON document
func Transform(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("canonical: empty document")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonical: trailing data after document")
	}

	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v any) error {
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
		if isInteger(t.String()) {
			buf.WriteString(t.String())
			return nil
		}
		return writeScalar(buf, []byte(t.String()))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return writeScalar(buf, b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected value %T", v)
	}
	return nil
}

// writeScalar emits the RFC 8785 form of one string or number token
func writeScalar(buf *bytes.Buffer, token []byte) error {
	wrapped := make([]byte, 0, len(token)+2)
	wrapped = append(append(append(wrapped, '['), token...), ']')
	out, err := jcs.Transform(wrapped)
	if err != nil {
		return err
	}
	buf.Write(out[1 : len(out)-1])
	return nil
}

// isInteger reports whether s is a JSON integer literal other than -0
func isInteger(s string) bool {
	digits := s
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" || s == "-0" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

func lessUTF16(a, b string) bool {
	ua, ub := utf16.Encode([]rune(a)), utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// Marshal encodes v with encoding/json and canonicalizes the result.
// Struct tags are honoured; map and field order do not matter.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return Transform(raw)
}

// Sum returns the SHA-256 digest of the canonical form of v
func Sum(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Encode returns unpadded standard base64, the encoding used for hashes,
// signatures and public keys on the wire.
func Encode(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// Decode accepts unpadded or padded standard base64.
func Decode(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
