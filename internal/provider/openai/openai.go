package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/storefront-ai/internal/provider"
)

const (
	Name           = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

type OpenAIProvider struct {
	provider.Base
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(desc provider.Descriptor, apiKey string) *OpenAIProvider {
	if desc.Model == "" {
		desc.Model = defaultModel
	}
	return &OpenAIProvider{Base: provider.NewBase(desc, apiKey, defaultBaseURL)}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	start := time.Now()
	body := p.mapRequest(req)
	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)

	var resp openAIResponse
	err := p.Retry.Do(ctx, func(ctx context.Context) error {
		resp = openAIResponse{}
		return p.DoJSON(ctx, http.MethodPost, url, p.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, provider.DecodeError(p.Name(), fmt.Errorf("openai api returned no choices"))
	}

	choice := resp.Choices[0]
	return p.Complete(&provider.Result{
		Text:     choice.Message.Content,
		Finish:   finishReason(choice.FinishReason),
		Usage:    provider.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
		Model:    resp.Model,
		Metadata: req.Metadata,
	}, start), nil
}

// Ping lists models; a 200 proves the key and the endpoint.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", p.BaseURL)
	return p.DoJSON(ctx, http.MethodGet, url, p.headers(), nil, nil)
}

func (p *OpenAIProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Vision: true, JSON: true}
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.APIKey}
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	out := openAIRequest{
		Model:       p.Model(),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if req.Format == provider.FormatJSON {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

func finishReason(reason string) provider.FinishReason {
	switch reason {
	case "stop":
		return provider.FinishCompleted
	case "length":
		return provider.FinishTruncated
	case "content_filter":
		return provider.FinishFiltered
	default:
		return provider.FinishFailed
	}
}
