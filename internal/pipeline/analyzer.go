package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPAnalyzer posts analysis requests to a configured URL.
type HTTPAnalyzer struct {
	url    string
	token  string
	client *http.Client
}

var _ Analyzer = (*HTTPAnalyzer)(nil)

func NewHTTPAnalyzer(url, token string, timeout time.Duration) *HTTPAnalyzer {
	return &HTTPAnalyzer{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

// Analyze returns an error for transport failures and any non-2xx status.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal analysis request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch analysis: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch analysis: status %d", resp.StatusCode)
	}
	return nil
}
