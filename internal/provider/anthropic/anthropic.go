package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/storefront-ai/internal/provider"
)

const (
	Name             = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-haiku-20241022"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
	jsonInstruction  = "Respond with a single valid JSON object and nothing else."
)

type AnthropicProvider struct {
	provider.Base
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(desc provider.Descriptor, apiKey string) *AnthropicProvider {
	if desc.Model == "" {
		desc.Model = defaultModel
	}
	return &AnthropicProvider{Base: provider.NewBase(desc, apiKey, defaultBaseURL)}
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	start := time.Now()
	body := p.mapRequest(req)
	url := fmt.Sprintf("%s/messages", p.BaseURL)

	var resp anthropicResponse
	err := p.Retry.Do(ctx, func(ctx context.Context) error {
		resp = anthropicResponse{}
		return p.DoJSON(ctx, http.MethodPost, url, p.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return p.Complete(&provider.Result{
		Text:     text.String(),
		Finish:   finishReason(resp.StopReason),
		Usage:    provider.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		Model:    resp.Model,
		Metadata: req.Metadata,
	}, start), nil
}

func (p *AnthropicProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", p.BaseURL)
	return p.DoJSON(ctx, http.MethodGet, url, p.headers(), nil, nil)
}

func (p *AnthropicProvider) Capabilities() provider.Capabilities {
	// No native JSON mode; structured output is requested via the system prompt.
	return provider.Capabilities{Streaming: true, Vision: true, JSON: false}
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.APIKey,
		"anthropic-version": apiVersion,
	}
}

func (p *AnthropicProvider) mapRequest(req *provider.Request) anthropicRequest {
	system := req.SystemPrompt
	if req.Format == provider.FormatJSON {
		if system != "" {
			system += "\n\n"
		}
		system += jsonInstruction
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:         p.Model(),
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   clampTemperature(req.Temperature),
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
}

// The messages API accepts temperatures in [0, 1].
func clampTemperature(t *float64) *float64 {
	if t == nil || *t <= 1 {
		return t
	}
	one := 1.0
	return &one
}

func finishReason(reason string) provider.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return provider.FinishCompleted
	case "max_tokens":
		return provider.FinishTruncated
	case "refusal":
		return provider.FinishFiltered
	default:
		return provider.FinishFailed
	}
}
