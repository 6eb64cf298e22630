package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/mattjoyce/switchboard/internal/tenant"
)

// Ed25519Verifier implements the timestamp-bound asymmetric scheme. The signed
// message is timestamp + "." + body. The replay window is checked before the
// signature so a stale request is rejected even when it is correctly signed.
type Ed25519Verifier struct {
	SignatureHeader string
	TimestampHeader string
	Window          time.Duration
}

func (v *Ed25519Verifier) Verify(req *Request, creds tenant.Credentials) error {
	if creds.PublicKey == "" {
		return ErrMissingSecret
	}
	pub, err := base64.StdEncoding.DecodeString(creds.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrMissingSecret
	}

	ts := req.Header.Get(v.TimestampHeader)
	if err := v.checkWindow(ts, req.Now); err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(req.Header.Get(v.SignatureHeader))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrSignatureInvalid
	}

	msg := make([]byte, 0, len(ts)+1+len(req.Body))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	msg = append(msg, req.Body...)
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func (v *Ed25519Verifier) checkWindow(ts string, now time.Time) error {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrReplay
	}
	if now.IsZero() {
		now = time.Now()
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.Window {
		return ErrReplay
	}
	return nil
}
