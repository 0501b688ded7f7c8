package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/storefront-ai/internal/provider"
)

const (
	Name           = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
)

type GeminiProvider struct {
	provider.Base
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(desc provider.Descriptor, apiKey string) *GeminiProvider {
	if desc.Model == "" {
		desc.Model = defaultModel
	}
	return &GeminiProvider{Base: provider.NewBase(desc, apiKey, defaultBaseURL)}
}

func (p *GeminiProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	start := time.Now()
	body := p.mapRequest(req)
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.BaseURL, url.PathEscape(p.Model()))

	var resp geminiResponse
	err := p.Retry.Do(ctx, func(ctx context.Context) error {
		resp = geminiResponse{}
		return p.DoJSON(ctx, http.MethodPost, endpoint, p.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 {
		// A prompt blocked before generation comes back with no candidates.
		return p.Complete(&provider.Result{
			Finish:   provider.FinishFiltered,
			Usage:    provider.Usage{InputTokens: resp.UsageMetadata.PromptTokenCount},
			Model:    resp.ModelVersion,
			Metadata: req.Metadata,
		}, start), nil
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	return p.Complete(&provider.Result{
		Text:   text.String(),
		Finish: finishReason(candidate.FinishReason),
		Usage: provider.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
		Model:    resp.ModelVersion,
		Metadata: req.Metadata,
	}, start), nil
}

func (p *GeminiProvider) Ping(ctx context.Context) error {
	return p.DoJSON(ctx, http.MethodGet, p.BaseURL+"/models", p.headers(), nil, nil)
}

// headers carries the key out of the URL so it never shows up in
// transport error text.
func (p *GeminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.APIKey}
}

func (p *GeminiProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Vision: true, JSON: true}
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	out := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: req.Prompt}},
		}},
		GenerationConfig: &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		},
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.Format == provider.FormatJSON {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}
	return out
}

func finishReason(reason string) provider.FinishReason {
	switch reason {
	case "STOP":
		return provider.FinishCompleted
	case "MAX_TOKENS":
		return provider.FinishTruncated
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return provider.FinishFiltered
	default:
		return provider.FinishFailed
	}
}
