package ollama

import (
	"net/http"

	"github.com/ollama/ollama/api"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.1"
	chatPath       = "api/chat"
)

// Adapter talks to a local Ollama server over its native chat API. Local
// servers take no credentials.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.KindOllama
}

func (a *Adapter) Defaults() provider.Defaults {
	return provider.Defaults{EndpointURL: DefaultBaseURL, Model: DefaultModel, Keyless: true}
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	return a.newRequest(cfg, &api.ChatRequest{
		Model: cfg.Model,
		Messages: []api.Message{
			{Role: "system", Content: provider.SystemPrompt},
			{Role: "user", Content: provider.UserPrompt(prompt)},
		},
		Stream: boolPtr(false),
		Options: map[string]interface{}{
			"temperature": provider.Temperature(cfg.Temperature),
			"num_predict": provider.MaxTokens(cfg.MaxTokens),
		},
	})
}

func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	return a.newRequest(cfg, &api.ChatRequest{
		Model:    cfg.Model,
		Messages: []api.Message{{Role: "user", Content: provider.ProbePrompt}},
		Stream:   boolPtr(false),
		Options:  map[string]interface{}{"num_predict": provider.ProbeMaxTokens},
	})
}

func (a *Adapter) ParseResponse(resp *provider.WireResponse, _ models.ProviderConfig) (*models.GenerationResult, error) {
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}

	var body api.ChatResponse
	if err := provider.DecodeJSON(resp, &body); err != nil {
		return nil, err
	}
	if body.Message.Content == "" {
		return nil, provider.MissingPayloadError(resp.Kind, "response message has no content")
	}
	return provider.Result(resp, []string{body.Message.Content})
}

func (a *Adapter) newRequest(cfg models.ProviderConfig, payload *api.ChatRequest) (*provider.WireRequest, error) {
	req, err := provider.NewJSONRequest(http.MethodPost, provider.JoinURL(cfg.EndpointURL, chatPath), payload)
	if err != nil {
		return nil, err
	}
	// A reverse proxy in front of the server may still want a token.
	req.SetBearer(cfg.APIKey)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}

func boolPtr(b bool) *bool {
	return &b
}
