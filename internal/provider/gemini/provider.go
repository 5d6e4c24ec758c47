package gemini

import (
	"fmt"
	"net/http"
	"strings"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"
)

// Adapter implements the generateContent schema.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.KindGemini
}

func (a *Adapter) Defaults() provider.Defaults {
	return provider.Defaults{EndpointURL: DefaultBaseURL, Model: DefaultModel}
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	temperature := float32(provider.Temperature(cfg.Temperature))
	payload := generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: provider.SystemPrompt}}},
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: provider.UserPrompt(prompt)}},
		}},
		GenerationConfig: &generationConfig{
			Temperature:     &temperature,
			MaxOutputTokens: provider.MaxTokens(cfg.MaxTokens),
		},
	}
	if n := provider.Candidates(cfg.Candidates); n > 1 {
		payload.GenerationConfig.CandidateCount = n
	}
	return a.newRequest(cfg, payload)
}

func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	payload := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: provider.ProbePrompt}},
		}},
		GenerationConfig: &generationConfig{MaxOutputTokens: provider.ProbeMaxTokens},
	}
	return a.newRequest(cfg, payload)
}

// ParseResponse joins the text parts of each candidate; candidates keep
// their response order.
func (a *Adapter) ParseResponse(resp *provider.WireResponse, _ models.ProviderConfig) (*models.GenerationResult, error) {
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}

	var body generateResponse
	if err := provider.DecodeJSON(resp, &body); err != nil {
		return nil, err
	}
	if len(body.Candidates) == 0 {
		detail := "no candidates in response"
		if body.PromptFeedback != nil && body.PromptFeedback.BlockReason != "" {
			detail = "prompt blocked: " + body.PromptFeedback.BlockReason
		}
		return nil, provider.MissingPayloadError(resp.Kind, detail)
	}

	texts := make([]string, 0, len(body.Candidates))
	for _, c := range body.Candidates {
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		texts = append(texts, sb.String())
	}
	return provider.Result(resp, texts)
}

func (a *Adapter) newRequest(cfg models.ProviderConfig, payload generateRequest) (*provider.WireRequest, error) {
	endpoint := cfg.EndpointURL
	if !strings.Contains(endpoint, ":generateContent") {
		endpoint = provider.JoinURL(endpoint, fmt.Sprintf("v1beta/models/%s:generateContent", cfg.Model))
	}
	req, err := provider.NewJSONRequest(http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.SetAuth("x-goog-api-key", "", cfg.APIKey)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	CandidateCount  int      `json:"candidateCount,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type generateResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}
