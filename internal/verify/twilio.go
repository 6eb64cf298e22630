package verify

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mattjoyce/switchboard/internal/tenant"
)

// TwilioVerifier implements the form-encoded HMAC-SHA1 scheme: the signed
// string is the full request URL followed by every form parameter as
// key+value, sorted by key.
type TwilioVerifier struct {
	Header string
}

func (v *TwilioVerifier) Verify(req *Request, creds tenant.Credentials) error {
	if creds.AuthToken == "" {
		return ErrMissingSecret
	}
	given := req.Header.Get(v.Header)
	if given == "" {
		return ErrSignatureInvalid
	}
	expected := SignForm(creds.AuthToken, req.URL, req.Form)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(given)) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// SignForm returns the base64 HMAC-SHA1 signature for a URL and form.
func SignForm(secret, fullURL string, form url.Values) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(canonicalForm(fullURL, form)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func canonicalForm(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		values := append([]string(nil), form[k]...)
		sort.Strings(values)
		for _, val := range values {
			b.WriteString(k)
			b.WriteString(val)
		}
	}
	return b.String()
}

// PublicURL rebuilds the URL the provider signed. When baseURL is set it
// replaces scheme and host; otherwise X-Forwarded-Proto and X-Forwarded-Host
// from the fronting proxy win over the connection's own values.
func PublicURL(r *http.Request, baseURL string) string {
	if baseURL != "" {
		return strings.TrimRight(baseURL, "/") + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstForwarded(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := firstForwarded(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func firstForwarded(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
