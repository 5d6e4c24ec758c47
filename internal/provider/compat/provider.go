package compat

import (
	"scenegen/internal/models"
	"scenegen/internal/provider"
	openaiProvider "scenegen/internal/provider/openai"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"
)

// Adapter serves OpenAI-compatible hosts by delegating to the chat-completion
// adapter. Compatible hosts commonly reject n > 1, so a single candidate is
// always requested.
type Adapter struct {
	delegate *openaiProvider.Adapter
}

func New() *Adapter {
	return &Adapter{
		delegate: openaiProvider.NewWithDefaults(models.KindCompat, provider.Defaults{
			EndpointURL: DefaultBaseURL,
			Model:       DefaultModel,
		}),
	}
}

func (a *Adapter) Kind() models.ProviderKind {
	return a.delegate.Kind()
}

func (a *Adapter) Defaults() provider.Defaults {
	return a.delegate.Defaults()
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	cfg.Candidates = 1
	return a.delegate.BuildRequest(prompt, cfg)
}

func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	return a.delegate.ProbeRequest(cfg)
}

func (a *Adapter) ParseResponse(resp *provider.WireResponse, cfg models.ProviderConfig) (*models.GenerationResult, error) {
	return a.delegate.ParseResponse(resp, cfg)
}
