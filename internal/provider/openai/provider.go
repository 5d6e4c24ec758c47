package openai

import (
	"math"
	"net/http"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	chatPath       = "chat/completions"
)

// Adapter speaks the chat-completion schema. It also serves
// OpenAI-compatible hosts under a different kind.
type Adapter struct {
	kind     models.ProviderKind
	defaults provider.Defaults
}

// New creates the adapter for the hosted OpenAI API.
func New() *Adapter {
	return NewWithDefaults(models.KindOpenAI, provider.Defaults{
		EndpointURL: DefaultBaseURL,
		Model:       DefaultModel,
	})
}

// NewWithDefaults creates a chat-completion adapter registered under kind.
func NewWithDefaults(kind models.ProviderKind, defaults provider.Defaults) *Adapter {
	return &Adapter{kind: kind, defaults: defaults}
}

func (a *Adapter) Kind() models.ProviderKind {
	return a.kind
}

func (a *Adapter) Defaults() provider.Defaults {
	return a.defaults
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	payload := goopenai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: provider.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: provider.UserPrompt(prompt)},
		},
		Temperature: wireTemperature(cfg.Temperature),
		MaxTokens:   provider.MaxTokens(cfg.MaxTokens),
	}
	if n := provider.Candidates(cfg.Candidates); n > 1 {
		payload.N = n
	}
	return a.newRequest(cfg, payload)
}

// wireTemperature keeps an explicit zero on the wire; go-openai omits a
// zero temperature field.
func wireTemperature(v *float64) float32 {
	t := float32(provider.Temperature(v))
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	payload := goopenai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: provider.ProbePrompt},
		},
		MaxTokens: provider.ProbeMaxTokens,
	}
	return a.newRequest(cfg, payload)
}

// ParseResponse returns choices[i].message.content in index order.
func (a *Adapter) ParseResponse(resp *provider.WireResponse, _ models.ProviderConfig) (*models.GenerationResult, error) {
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}

	var body goopenai.ChatCompletionResponse
	if err := provider.DecodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return candidates(resp, body)
}

func candidates(resp *provider.WireResponse, body goopenai.ChatCompletionResponse) (*models.GenerationResult, error) {
	if len(body.Choices) == 0 {
		return nil, provider.MissingPayloadError(resp.Kind, "response did not include choices")
	}

	choices := append([]goopenai.ChatCompletionChoice(nil), body.Choices...)
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Index < choices[j].Index })

	texts := make([]string, 0, len(choices))
	for _, choice := range choices {
		texts = append(texts, choice.Message.Content)
	}
	return provider.Result(resp, texts)
}

func (a *Adapter) newRequest(cfg models.ProviderConfig, payload goopenai.ChatCompletionRequest) (*provider.WireRequest, error) {
	req, err := provider.NewJSONRequest(http.MethodPost, provider.JoinURL(cfg.EndpointURL, chatPath), payload)
	if err != nil {
		return nil, err
	}
	req.SetBearer(cfg.APIKey)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}
