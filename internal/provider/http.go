package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"phaseline/internal/domain"
)

var sharedHTTPClient = &http.Client{}

const maxBodyBytes = 10 * 1024 * 1024

// HTTPProvider posts item batches to a JSON endpoint.
//
// Request:  {"model": "...", "context": {...}, "items": [...]}
// Response: {"results": [{"item_id", "suggested_action", "confidence", "rationale", "metadata"}], "error": {"message"}}
type HTTPProvider struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

type httpRequest struct {
	Model   string                  `json:"model,omitempty"`
	Context BatchContext            `json:"context"`
	Items   []domain.ItemDescriptor `json:"items"`
}

type httpResponse struct {
	Results []Result `json:"results"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HTTPProvider) Name() string {
	if p.Model != "" {
		return "http:" + p.Model
	}
	return "http"
}

func (p *HTTPProvider) Generate(ctx context.Context, bc BatchContext, items []domain.ItemDescriptor) ([]Result, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	bodyBytes, err := json.Marshal(httpRequest{Model: p.Model, Context: bc, Items: items})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	client := p.Client
	if client == nil {
		client = sharedHTTPClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	respStr := string(respBytes)

	var hr httpResponse
	if err := json.Unmarshal(respBytes, &hr); err != nil {
		return nil, fmt.Errorf("parsing response JSON (HTTP %d, body: %s): %w", resp.StatusCode, truncate(respStr, 200), err)
	}
	if resp.StatusCode != http.StatusOK {
		if hr.Error != nil {
			return nil, fmt.Errorf("provider: %s", hr.Error.Message)
		}
		return nil, fmt.Errorf("provider: HTTP %d: %s", resp.StatusCode, truncate(respStr, 200))
	}

	wanted := make(map[string]bool, len(items))
	for _, it := range items {
		wanted[it.ItemID] = true
	}
	out := make([]Result, 0, len(hr.Results))
	for _, r := range hr.Results {
		if !wanted[r.ItemID] {
			continue
		}
		switch r.SuggestedAction {
		case domain.ActionAccept, domain.ActionDecline:
		default:
			continue
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			continue
		}
		r.RawRequest = string(bodyBytes)
		r.RawResponse = respStr
		out = append(out, r)
	}
	return out, nil
}
