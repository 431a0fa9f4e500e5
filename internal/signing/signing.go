// Package signing computes and verifies webhook payload signatures.
//
// A signature is the lowercase hex HMAC-SHA256 of the exact body bytes that go
// on the wire, keyed by the subscription secret. On the wire it travels as
// "sha256=<hex>".
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Prefix is prepended to the hex digest in the signature header.
	Prefix = "sha256="

	// SecretBytes is the amount of entropy in a generated secret.
	SecretBytes = 32
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats a hex digest as a signature header value.
func Header(sig string) string {
	return Prefix + sig
}

// Verify recomputes the signature over payload and compares it with signature
// in constant time. signature may be bare hex or carry the "sha256=" prefix.
func Verify(payload []byte, signature, secret string) bool {
	got := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(signature, Prefix)))
	if got == "" {
		return false
	}
	want := Sign(payload, secret)
	return hmac.Equal([]byte(got), []byte(want))
}

// GenerateSecret returns a fresh base64 encoded secret drawn from crypto/rand.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
