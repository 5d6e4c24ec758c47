package custom

import (
	"net/http"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const DefaultEndpoint = "http://localhost:8000/generate"

// Adapter speaks the minimal script protocol:
//
//	POST {"prompt": "...", "format": "blender_python"} -> {"script": "..."}
//
// The credential is optional.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.KindCustom
}

func (a *Adapter) Defaults() provider.Defaults {
	return provider.Defaults{EndpointURL: DefaultEndpoint, Keyless: true}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Format string `json:"format"`
}

type generateResponse struct {
	Script *string `json:"script"`
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	req, err := provider.NewJSONRequest(http.MethodPost, cfg.EndpointURL, generateRequest{
		Prompt: prompt,
		Format: models.ScriptFormat,
	})
	if err != nil {
		return nil, err
	}
	req.SetBearer(cfg.APIKey)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}

// ProbeRequest is a plain GET against the endpoint.
func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	req, err := provider.NewJSONRequest(http.MethodGet, cfg.EndpointURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBearer(cfg.APIKey)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}

func (a *Adapter) ParseResponse(resp *provider.WireResponse, _ models.ProviderConfig) (*models.GenerationResult, error) {
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}

	var body generateResponse
	if err := provider.DecodeJSON(resp, &body); err != nil {
		return nil, err
	}
	if body.Script == nil {
		return nil, provider.MissingPayloadError(resp.Kind, `response has no "script" field`)
	}
	return provider.Result(resp, []string{*body.Script})
}
