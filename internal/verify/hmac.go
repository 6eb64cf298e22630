package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/mattjoyce/switchboard/internal/tenant"
)

// HMACVerifier implements the JSON shared-secret scheme: HMAC-SHA256 over the
// raw body, hex encoded.
//
// Supported header formats:
//   - "sha256=<hex>"
//   - "<hex>"
type HMACVerifier struct {
	Header string
}

func (v *HMACVerifier) Verify(req *Request, creds tenant.Credentials) error {
	if creds.WebhookSecret == "" {
		return ErrMissingSecret
	}
	return verifyHMACSignature(req.Body, req.Header.Get(v.Header), creds.WebhookSecret)
}

// verifyHMACSignature compares in constant time. All errors are generic.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if signature == "" {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
}

// SignBody returns the hex HMAC-SHA256 of body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
