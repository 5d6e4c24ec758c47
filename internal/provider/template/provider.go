package template

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"scenegen/internal/models"
	"scenegen/internal/provider"
)

const (
	defaultPromptField = "prompt"
	defaultScriptPath  = "script"
	defaultAuthHeader  = "Authorization"
	defaultAuthScheme  = "Bearer"
)

// ErrInvalidTemplate indicates the request template cannot produce a body.
var ErrInvalidTemplate = errors.New("invalid request template")

// Adapter is the open provider variant: the request body is a JSON template
// with fields filled in by sjson paths, and candidates are read back with a
// gjson path. A path that resolves to an array yields one candidate per
// element.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Kind() models.ProviderKind {
	return models.KindTemplate
}

func (a *Adapter) Defaults() provider.Defaults {
	return provider.Defaults{}
}

func (a *Adapter) BuildRequest(prompt string, cfg models.ProviderConfig) (*provider.WireRequest, error) {
	tpl := templateOf(cfg)

	// Script services take the bare description. Chat-style bodies without a
	// system slot get the dialect rules inline.
	text := prompt
	switch {
	case tpl.FormatField != "":
	case tpl.SystemField != "":
		text = provider.UserPrompt(prompt)
	default:
		text = provider.SystemPrompt + "\n\n" + provider.UserPrompt(prompt)
	}
	return a.render(cfg, tpl, text)
}

func (a *Adapter) ProbeRequest(cfg models.ProviderConfig) (*provider.WireRequest, error) {
	tpl := templateOf(cfg)
	tpl.SystemField = ""
	return a.render(cfg, tpl, provider.ProbePrompt)
}

// ParseResponse reads the candidates using the configured paths.
func (a *Adapter) ParseResponse(resp *provider.WireResponse, cfg models.ProviderConfig) (*models.GenerationResult, error) {
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, &provider.Error{
			Kind:     provider.MalformedResponse,
			Provider: resp.Kind,
			Err:      errors.New("response body is not valid JSON"),
		}
	}

	tpl := templateOf(cfg)
	if tpl.ErrorPath != "" {
		if e := gjson.GetBytes(resp.Body, tpl.ErrorPath); e.Exists() && e.Type != gjson.Null && e.String() != "" {
			return nil, provider.MissingPayloadError(resp.Kind, "provider reported: "+e.String())
		}
	}

	result := gjson.GetBytes(resp.Body, tpl.ScriptPath)
	if !result.Exists() || result.Type == gjson.Null {
		return nil, provider.MissingPayloadError(resp.Kind, fmt.Sprintf("no value at %q", tpl.ScriptPath))
	}

	var texts []string
	if result.IsArray() {
		for _, item := range result.Array() {
			texts = append(texts, item.String())
		}
	} else {
		texts = append(texts, result.String())
	}
	return provider.Result(resp, texts)
}

func (a *Adapter) render(cfg models.ProviderConfig, tpl models.RequestTemplate, text string) (*provider.WireRequest, error) {
	body := strings.TrimSpace(tpl.Body)
	if body == "" {
		body = "{}"
	}
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidTemplate)
	}

	var err error
	set := func(path string, value any) {
		if err != nil || path == "" {
			return
		}
		body, err = sjson.Set(body, path, value)
	}
	set(tpl.PromptField, text)
	set(tpl.SystemField, provider.SystemPrompt)
	set(tpl.FormatField, models.ScriptFormat)
	if cfg.Model != "" {
		set(tpl.ModelField, cfg.Model)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	req, err := provider.NewJSONRequest(http.MethodPost, cfg.EndpointURL, nil)
	if err != nil {
		return nil, err
	}
	req.Body = []byte(body)
	req.Header.Set("Content-Type", "application/json")
	req.SetAuth(tpl.AuthHeader, tpl.AuthScheme, cfg.APIKey)
	req.ApplyHeaders(cfg.ExtraHeaders)
	return req, nil
}

func templateOf(cfg models.ProviderConfig) models.RequestTemplate {
	var tpl models.RequestTemplate
	if cfg.RequestTemplate != nil {
		tpl = *cfg.RequestTemplate
	}
	if tpl.PromptField == "" {
		tpl.PromptField = defaultPromptField
	}
	if tpl.ScriptPath == "" {
		tpl.ScriptPath = defaultScriptPath
	}
	if tpl.AuthHeader == "" {
		tpl.AuthHeader = defaultAuthHeader
		if tpl.AuthScheme == "" {
			tpl.AuthScheme = defaultAuthScheme
		}
	}
	if strings.EqualFold(tpl.AuthScheme, "none") {
		tpl.AuthScheme = ""
	}
	return tpl
}
