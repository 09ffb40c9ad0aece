// Package envelope signs and verifies the JSON messages exchanged with
// devices. A signature is the hex HMAC-SHA256 of the message's canonical
// form with the "signature" field removed.
package envelope

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// SignatureField is the envelope key holding the signature.
const SignatureField = "signature"

var (
	// ErrMissingSignature is returned for envelopes without a signature.
	ErrMissingSignature = errors.New("envelope has no signature")
	// ErrBadSignature is returned when the signature does not match.
	ErrBadSignature = errors.New("envelope signature mismatch")
)

// Signer computes and checks envelope signatures with one shared secret.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: append([]byte(nil), key...)}
}

// Canonical encodes body with sorted keys, compact separators and no HTML
// escaping. Non-ASCII characters are written as lowercase \uXXXX escapes,
// using surrogate pairs outside the BMP. The signature field is skipped at
// the top level.
func Canonical(body map[string]interface{}) ([]byte, error) {
	stripped := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == SignatureField {
			continue
		}
		stripped[k] = v
	}
	return encode(stripped)
}

// Sign returns the signature of body.
func (s *Signer) Sign(body map[string]interface{}) (string, error) {
	canonical, err := Canonical(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the signature of body.
func (s *Signer) Verify(body map[string]interface{}, sig string) bool {
	if sig == "" {
		return false
	}
	expected, err := s.Sign(body)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Seal encodes v as a JSON object and returns it with the signature field set.
func (s *Signer) Seal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	body, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(body)
	if err != nil {
		return nil, err
	}
	body[SignatureField] = sig
	return encode(body)
}

// Open verifies raw and decodes it into v. Nothing is decoded when the
// signature is missing or wrong.
func (s *Signer) Open(raw []byte, v interface{}) error {
	body, err := decodeObject(raw)
	if err != nil {
		return err
	}
	sig, _ := body[SignatureField].(string)
	if sig == "" {
		return ErrMissingSignature
	}
	if !s.Verify(body, sig) {
		return ErrBadSignature
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}

func encode(body map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return escapeNonASCII(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// escapeNonASCII rewrites every rune above 0x7f. Encoded JSON only carries
// such bytes inside strings, so the result decodes to the same value.
func escapeNonASCII(in []byte) []byte {
	i := 0
	for i < len(in) && in[i] < utf8.RuneSelf {
		i++
	}
	if i == len(in) {
		return in
	}
	out := make([]byte, 0, len(in)+len(in)/2)
	out = append(out, in[:i]...)
	for i < len(in) {
		if in[i] < utf8.RuneSelf {
			out = append(out, in[i])
			i++
			continue
		}
		r, size := utf8.DecodeRune(in[i:])
		i += size
		if r > 0xffff {
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, "\\u%04x\\u%04x", hi, lo)
			continue
		}
		out = fmt.Appendf(out, "\\u%04x", r)
	}
	return out
}

// decodeObject parses a JSON object keeping numbers in their literal form so
// re-encoding reproduces what the sender signed.
func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if body == nil {
		return nil, errors.New("decode envelope: not a JSON object")
	}
	return body, nil
}
