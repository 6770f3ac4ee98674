// Package canonical implements the canonical JSON form and the HMAC
// signing scheme used for result attestation.
//
// Canonical form: object keys sorted lexicographically at every nesting
// level, no insignificant whitespace, "," and ":" separators, standard
// JSON string escaping, and numeric literals preserved verbatim so that
// integers never re-encode as floats. Server and agent both canonicalize
// through this package; a signature computed on one side verifies on the
// other regardless of the key order the payload was built with.
package canonical

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SecretLen is the byte length of a per-claim signing secret.
const SecretLen = 32

// Marshal returns the canonical encoding of a single JSON value.
func Marshal(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode payload: %w", err)
	}
	// A second value after the first means the input was not one document.
	if dec.More() {
		return nil, errors.New("canonical: trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign computes the hex HMAC-SHA256 tag of the canonical form of raw.
func Sign(secret []byte, raw []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("canonical: empty signing secret")
	}
	c, err := Marshal(raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(c)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the tag for raw and compares it to signature in
// constant time. A malformed payload or signature verifies as false.
func Verify(secret []byte, raw []byte, signature string) bool {
	want, err := Sign(secret, raw)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(wantRaw, got)
}
