// Package meta speaks the upstream platform's wire protocols: signed webhook
// verification, the Graph read API, and the subscription management calls.
package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the upstream's HMAC over the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	// ErrMissingSignature means the header was absent entirely.
	ErrMissingSignature = errors.New("missing signature header")
	// ErrBadSignature means the header was present but did not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// VerifySignature checks header against HMAC-SHA256(appSecret, body). The
// body must be the exact raw request bytes; any re-serialization before this
// check breaks the MAC. Comparison is constant-time.
func VerifySignature(appSecret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing sha256= prefix", ErrBadSignature)
	}

	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: malformed hex digest", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	want := mac.Sum(nil)

	if len(got) != len(want) {
		return fmt.Errorf("%w: digest length mismatch", ErrBadSignature)
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the signature header value for a raw body, the counterpart
// of VerifySignature.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// AppSecretProof is the hex HMAC-SHA256 of the access token under the app
// secret, required by Graph API calls to demonstrate the caller holds both.
func AppSecretProof(appSecret, accessToken string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(accessToken))
	return hex.EncodeToString(mac.Sum(nil))
}
