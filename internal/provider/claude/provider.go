package claude

import (
	"net/http"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-sonnet-4-20250514"
	apiVersion     = "2023-06-01"
	messagesPath   = "v1/messages"
)

// Adapter implements the Anthropic messages schema.
type Adapter struct{}

// New constructs a Claude adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.KindClaude
}

func (a *Adapter) Defaults() provider.Defaults {
	return provider.Defaults{EndpointURL: DefaultBaseURL, Model: DefaultModel}
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	temperature := provider.Temperature(cfg.Temperature)
	payload := messagePayload{
		Model:       cfg.Model,
		System:      provider.SystemPrompt,
		MaxTokens:   provider.MaxTokens(cfg.MaxTokens),
		Temperature: &temperature,
		Messages: []message{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: provider.UserPrompt(prompt)}},
		}},
	}
	return a.newRequest(cfg, payload)
}

func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	payload := messagePayload{
		Model:     cfg.Model,
		MaxTokens: provider.ProbeMaxTokens,
		Messages: []message{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: provider.ProbePrompt}},
		}},
	}
	return a.newRequest(cfg, payload)
}

// ParseResponse returns the text content blocks in order. Other block
// types (tool use, thinking) are skipped.
func (a *Adapter) ParseResponse(resp *provider.WireResponse, _ models.ProviderConfig) (*models.GenerationResult, error) {
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}

	var body messageResponse
	if err := provider.DecodeJSON(resp, &body); err != nil {
		return nil, err
	}
	if len(body.Content) == 0 {
		return nil, provider.MissingPayloadError(resp.Kind, "response missing content blocks")
	}

	texts := make([]string, 0, len(body.Content))
	for _, block := range body.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return provider.Result(resp, texts)
}

func (a *Adapter) newRequest(cfg models.ProviderConfig, payload messagePayload) (*provider.WireRequest, error) {
	req, err := provider.NewJSONRequest(http.MethodPost, provider.JoinURL(cfg.EndpointURL, messagesPath), payload)
	if err != nil {
		return nil, err
	}
	req.SetAuth("x-api-key", "", cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}

type messagePayload struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}
