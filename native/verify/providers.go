package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// providerVerdict is the JSON object every adapter expects to find embedded
// in the model's response text.
type providerVerdict struct {
	Passed            *bool    `json:"passed"`
	Confidence        int      `json:"confidence"`
	Feedback          string   `json:"feedback"`
	QualityScore      int      `json:"qualityScore"`
	CompletenessScore int      `json:"completenessScore"`
	AccuracyScore     int      `json:"accuracyScore"`
	Suggestions       []string `json:"suggestions"`
}

func (v providerVerdict) raw() RawResult {
	return RawResult{
		Passed:            v.Passed,
		Confidence:        v.Confidence,
		Feedback:          v.Feedback,
		QualityScore:      v.QualityScore,
		CompletenessScore: v.CompletenessScore,
		AccuracyScore:     v.AccuracyScore,
		Suggestions:       v.Suggestions,
	}
}

// buildPrompt renders the fixed assessment instruction for a request.
func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a work verification system for an escrow platform. ")
	b.WriteString("Analyze whether the submitted work meets the requirements.\n\n")
	b.WriteString(req.Requirements)
	b.WriteString("\n\nEvidence handles:\n")
	if len(req.EvidenceHandles) == 0 {
		b.WriteString("none provided\n")
	}
	for i, handle := range req.EvidenceHandles {
		fmt.Fprintf(&b, "%d. %s\n", i+1, handle)
	}
	b.WriteString("\nRespond with a JSON object: {\"passed\": bool, \"confidence\": 0-100, ")
	b.WriteString("\"feedback\": string, \"qualityScore\": 0-100, \"completenessScore\": 0-100, ")
	b.WriteString("\"accuracyScore\": 0-100, \"suggestions\": [string]}")
	return b.String()
}

// extractVerdict locates the JSON object embedded in a model's free-text
// response. A response without one is treated as provider unavailability.
func extractVerdict(text string) (RawResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return RawResult{}, fmt.Errorf("no JSON object in provider response")
	}
	var verdict providerVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return RawResult{}, fmt.Errorf("parse provider verdict: %w", err)
	}
	return verdict.raw(), nil
}

func drainStatusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limit exceeded", name)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: invalid API key", name)
	default:
		return fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// GeminiProvider adapts the Google generative language API.
type GeminiProvider struct {
	client   HTTPDoer
	endpoint string
	model    string
	apiKey   string
}

const (
	defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	defaultGeminiModel    = "gemini-1.5-flash"
)

// NewGeminiProvider constructs a Gemini adapter. When the client is nil
// http.DefaultClient is used.
func NewGeminiProvider(client HTTPDoer, endpoint, model, apiKey string) *GeminiProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultGeminiEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, endpoint: strings.TrimRight(endpoint, "/"), model: model, apiKey: strings.TrimSpace(apiKey)}
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) Assess(ctx context.Context, req Request) (RawResult, error) {
	payload := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]string{{"text": buildPrompt(req)}},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RawResult{}, err
	}
	url := fmt.Sprintf("%s/%s:generateContent", g.endpoint, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return RawResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return RawResult{}, fmt.Errorf("gemini: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return RawResult{}, drainStatusError("gemini", resp)
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RawResult{}, fmt.Errorf("gemini: decode: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return RawResult{}, fmt.Errorf("gemini: empty response")
	}
	return extractVerdict(out.Candidates[0].Content.Parts[0].Text)
}

// AnthropicProvider adapts the Anthropic messages API.
type AnthropicProvider struct {
	client   HTTPDoer
	endpoint string
	model    string
	apiKey   string
}

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel    = "claude-3-5-sonnet-20241022"
	anthropicVersion         = "2023-06-01"
)

// NewAnthropicProvider constructs an Anthropic adapter.
func NewAnthropicProvider(client HTTPDoer, endpoint, model, apiKey string) *AnthropicProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultAnthropicEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{client: client, endpoint: endpoint, model: model, apiKey: strings.TrimSpace(apiKey)}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) Assess(ctx context.Context, req Request) (RawResult, error) {
	payload := map[string]any{
		"model":      a.model,
		"max_tokens": 2048,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(req)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RawResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return RawResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return RawResult{}, fmt.Errorf("anthropic: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return RawResult{}, drainStatusError("anthropic", resp)
	}
	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RawResult{}, fmt.Errorf("anthropic: decode: %w", err)
	}
	if len(out.Content) == 0 {
		return RawResult{}, fmt.Errorf("anthropic: empty response")
	}
	return extractVerdict(out.Content[0].Text)
}

// OpenAIProvider adapts the OpenAI chat completions API.
type OpenAIProvider struct {
	client   HTTPDoer
	endpoint string
	model    string
	apiKey   string
}

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel    = "gpt-4"
)

// NewOpenAIProvider constructs an OpenAI adapter.
func NewOpenAIProvider(client HTTPDoer, endpoint, model, apiKey string) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultOpenAIEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{client: client, endpoint: endpoint, model: model, apiKey: strings.TrimSpace(apiKey)}
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) Assess(ctx context.Context, req Request) (RawResult, error) {
	payload := map[string]any{
		"model": o.model,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(req)},
		},
		"response_format": map[string]string{"type": "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RawResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return RawResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return RawResult{}, fmt.Errorf("openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return RawResult{}, drainStatusError("openai", resp)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RawResult{}, fmt.Errorf("openai: decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return RawResult{}, fmt.Errorf("openai: empty response")
	}
	return extractVerdict(out.Choices[0].Message.Content)
}
