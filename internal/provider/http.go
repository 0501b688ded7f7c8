package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

// Base carries what every HTTP-backed provider shares: its descriptor, the
// resolved key, the HTTP client and the retry policy.
type Base struct {
	Desc    Descriptor
	APIKey  string
	BaseURL string
	HTTP    *http.Client
	Retry   Retrier
}

func NewBase(desc Descriptor, apiKey, defaultBaseURL string) Base {
	baseURL := strings.TrimRight(desc.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Base{
		Desc:    desc,
		APIKey:  apiKey,
		BaseURL: baseURL,
		HTTP:    &http.Client{},
		Retry: Retrier{
			MaxRetries: desc.MaxRetries,
			Timeout:    timeout,
		},
	}
}

func (b *Base) Name() string  { return b.Desc.Name }
func (b *Base) Model() string { return b.Desc.Model }

func (b *Base) EstimateCost(req *Request) float64 {
	return b.Desc.Pricing().Estimate(req)
}

// DoJSON sends in as a JSON body (nil for none) and decodes a 200 response
// into out. Non-2xx responses become a classified *Error.
func (b *Base) DoJSON(ctx context.Context, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindInvalidRequest, Provider: b.Name(), Err: err}
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Kind: KindInvalidRequest, Provider: b.Name(), Err: err}
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.HTTP.Do(httpReq)
	if err != nil {
		return TransportError(b.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return StatusError(b.Name(), resp.StatusCode, string(respBody))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return TransportError(b.Name(), ctx.Err())
		}
		return DecodeError(b.Name(), fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Complete stamps usage, cost, latency and identity on a mapped result.
// Metadata is cloned so the result never aliases the request's map.
func (b *Base) Complete(r *Result, start time.Time) *Result {
	r.Metadata = maps.Clone(r.Metadata)
	r.Usage = NewUsage(r.Usage.InputTokens, r.Usage.OutputTokens)
	r.CostUSD = b.Desc.Pricing().Cost(r.Usage)
	r.LatencyMs = time.Since(start).Milliseconds()
	r.Provider = b.Name()
	if r.Model == "" {
		r.Model = b.Model()
	}
	return r
}
