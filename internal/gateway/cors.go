package gateway

import (
	"net/http"
	"strings"
)

// CORSPolicy holds the headers added to every gateway response.
type CORSPolicy struct {
	AllowOrigin  string
	AllowHeaders []string
	AllowMethods []string
}

// Headers renders the policy as response headers.
func (p CORSPolicy) Headers() http.Header {
	h := make(http.Header)
	if p.AllowOrigin != "" {
		h.Set("Access-Control-Allow-Origin", p.AllowOrigin)
	}
	if len(p.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowHeaders, ", "))
	}
	if len(p.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowMethods, ", "))
	}
	return h
}

// MergeHeaders returns a new header set holding base with extra applied on
// top. Neither input is modified.
func MergeHeaders(base, extra http.Header) http.Header {
	out := base.Clone()
	if out == nil {
		out = make(http.Header, len(extra))
	}
	for k, vs := range extra {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// CORS adds the policy headers to each response and answers preflight
// requests with 204.
func CORS(p CORSPolicy) func(http.Handler) http.Handler {
	headers := p.Headers()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			merged := MergeHeaders(w.Header(), headers)
			for k, vs := range merged {
				w.Header()[k] = vs
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
