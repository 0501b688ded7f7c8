package provider

import (
	"context"
	"time"
)

type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// FinishReason is the normalized outcome of one generation.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishTruncated FinishReason = "truncated"
	FinishFiltered  FinishReason = "filtered"
	FinishFailed    FinishReason = "failed"
)

type Request struct {
	Prompt       string       `json:"prompt" validate:"required"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature  *float64     `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"` // nil means provider default
	TopP         *float64     `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stop         []string     `json:"stop,omitempty"`
	Format       OutputFormat `json:"format,omitempty" validate:"omitempty,oneof=text json"`
	// Metadata is for tracking only; it never affects caching or routing.
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func NewUsage(input, output int) Usage {
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

type Result struct {
	Text      string            `json:"text"`
	Finish    FinishReason      `json:"finish"`
	Usage     Usage             `json:"usage"`
	CostUSD   float64           `json:"cost_usd"`
	LatencyMs int64             `json:"latency_ms"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Failed builds the uniform failure shape: zero usage, zero cost.
func Failed(providerName, model string, err error, latency time.Duration) *Result {
	r := &Result{
		Finish:    FinishFailed,
		Provider:  providerName,
		Model:     model,
		LatencyMs: latency.Milliseconds(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Capabilities are advisory only.
type Capabilities struct {
	Streaming bool `json:"streaming"`
	Vision    bool `json:"vision"`
	JSON      bool `json:"json"`
}

// Descriptor is the declarative configuration of one backend.
type Descriptor struct {
	Name       string        `yaml:"name" validate:"required"`
	Enabled    bool          `yaml:"enabled"`
	SecretRef  string        `yaml:"secretRef"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"baseUrl"`
	MaxRetries int           `yaml:"maxRetries" validate:"gte=0,lte=10"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	// Rate budgets are advisory and not enforced per provider.
	RequestsPerMinute int     `yaml:"requestsPerMinute" validate:"gte=0"`
	TokensPerMinute   int     `yaml:"tokensPerMinute" validate:"gte=0"`
	InputPricePer1K   float64 `yaml:"inputPricePer1k" validate:"gte=0"`
	OutputPricePer1K  float64 `yaml:"outputPricePer1k" validate:"gte=0"`
}

type Provider interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
	Ping(ctx context.Context) error
	EstimateCost(req *Request) float64
	Capabilities() Capabilities
	Name() string
	Model() string
}
