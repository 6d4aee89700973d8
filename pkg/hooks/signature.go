package hooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader is the GitHub webhook signature header.
const SignatureHeader = "X-Hub-Signature-256"

// Signature validation errors.
var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrBadSignature     = errors.New("signature mismatch")
)

// ValidateSignature checks a GitHub HMAC-SHA256 webhook signature.
//
// The header carries "sha256=<hex digest>" computed over the raw request
// body with the shared secret. Comparison is constant time.
func ValidateSignature(body []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the signature header value for a body. Used by tests and
// the doctor command's self-check.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
