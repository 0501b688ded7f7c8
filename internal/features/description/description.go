// Package description generates storefront product descriptions on top of
// the orchestrator.
package description

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"

	"github.com/vnmchuo/storefront-ai/internal/orchestrator"
	"github.com/vnmchuo/storefront-ai/internal/provider"
)

const (
	Name = "product_description"

	defaultWords = 120
	// Rough tokens-per-word ratio used to size max_tokens from a word budget.
	tokensPerWord = 2
)

const systemPrompt = `You write product copy for a luxury fashion storefront.
Write in a refined, understated voice. Never invent materials, prices or
certifications that are not listed in the product facts.`

var promptTemplate = template.Must(template.New("description").Parse(
	`Write a {{.Tone}} product description in {{.Language}} of at most {{.MaxWords}} words.

Product: {{.ProductName}}
{{- if .Category}}
Category: {{.Category}}
{{- end}}
{{- if .Attributes}}
Facts:
{{- range .Attributes}}
- {{.}}
{{- end}}
{{- end}}
{{- if .JSON}}

Respond with a JSON object with keys "title", "short" and "long".
{{- end}}`))

type Input struct {
	ProductName string            `json:"product_name" validate:"required,max=200"`
	Category    string            `json:"category,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Tone        string            `json:"tone,omitempty" validate:"omitempty,oneof=elegant playful minimal editorial"`
	Language    string            `json:"language,omitempty"`
	MaxWords    int               `json:"max_words,omitempty" validate:"omitempty,gte=20,lte=600"`
	Structured  bool              `json:"structured,omitempty"`
}

type Output struct {
	Text      string                `json:"text"`
	Finish    provider.FinishReason `json:"finish"`
	Provider  string                `json:"provider"`
	Model     string                `json:"model"`
	CostUSD   float64               `json:"cost_usd"`
	LatencyMs int64                 `json:"latency_ms"`
}

type templateData struct {
	ProductName string
	Category    string
	Attributes  []string
	Tone        string
	Language    string
	MaxWords    int
	JSON        bool
}

type Feature struct {
	gen      orchestrator.Generator
	pricing  provider.Pricing
	validate *validator.Validate
}

// New returns the feature. pricing is used only for EstimateCost, which has
// no provider in hand.
func New(gen orchestrator.Generator, pricing provider.Pricing) *Feature {
	return &Feature{gen: gen, pricing: pricing, validate: validator.New()}
}

func (f *Feature) Execute(ctx context.Context, raw json.RawMessage, opts orchestrator.Options) (any, error) {
	req, err := f.request(raw)
	if err != nil {
		return nil, err
	}

	res, err := f.gen.GenerateText(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	if res.Finish == provider.FinishFailed || res.Finish == provider.FinishFiltered {
		return nil, fmt.Errorf("%w: %s %s: %s", orchestrator.ErrGenerationFailed, res.Provider, res.Finish, res.Error)
	}

	return &Output{
		Text:      strings.TrimSpace(res.Text),
		Finish:    res.Finish,
		Provider:  res.Provider,
		Model:     res.Model,
		CostUSD:   res.CostUSD,
		LatencyMs: res.LatencyMs,
	}, nil
}

func (f *Feature) EstimateCost(raw json.RawMessage) (float64, error) {
	req, err := f.request(raw)
	if err != nil {
		return 0, err
	}
	return f.pricing.Estimate(req), nil
}

func (f *Feature) request(raw json.RawMessage) (*provider.Request, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrInvalidInput, err)
	}
	if err := f.validate.Struct(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrInvalidInput, err)
	}

	data := templateData{
		ProductName: strings.TrimSpace(in.ProductName),
		Category:    in.Category,
		Attributes:  facts(in.Attributes),
		Tone:        in.Tone,
		Language:    in.Language,
		MaxWords:    in.MaxWords,
		JSON:        in.Structured,
	}
	if data.Tone == "" {
		data.Tone = "elegant"
	}
	if data.Language == "" {
		data.Language = "English"
	}
	if data.MaxWords == 0 {
		data.MaxWords = defaultWords
	}

	var prompt bytes.Buffer
	if err := promptTemplate.Execute(&prompt, data); err != nil {
		return nil, fmt.Errorf("render description prompt: %w", err)
	}

	temperature := 0.7
	req := &provider.Request{
		Prompt:       prompt.String(),
		SystemPrompt: systemPrompt,
		MaxTokens:    data.MaxWords * tokensPerWord,
		Temperature:  &temperature,
		Format:       provider.FormatText,
		Metadata:     map[string]string{"feature": Name},
	}
	if in.Structured {
		req.Format = provider.FormatJSON
	}
	return req, nil
}

// facts renders attributes in key order so identical input yields an
// identical prompt.
func facts(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %s", k, attrs[k]))
	}
	return out
}
