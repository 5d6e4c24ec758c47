package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"scenegen/internal/provider"
	claudeProvider "scenegen/internal/provider/claude"
	compatProvider "scenegen/internal/provider/compat"
	customProvider "scenegen/internal/provider/custom"
	geminiProvider "scenegen/internal/provider/gemini"
	ollamaProvider "scenegen/internal/provider/ollama"
	openaiProvider "scenegen/internal/provider/openai"
	templateProvider "scenegen/internal/provider/template"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// NewRegistry returns a registry holding every built-in adapter.
func NewRegistry() (*provider.Registry, error) {
	registry := provider.NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// RegisterBuiltins adds the built-in adapters to registry.
func RegisterBuiltins(registry *provider.Registry) error {
	adapters := []provider.Adapter{
		openaiProvider.New(),
		claudeProvider.New(),
		geminiProvider.New(),
		compatProvider.New(),
		ollamaProvider.New(),
		customProvider.New(),
		templateProvider.New(),
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register %s adapter: %w", a.Kind(), err)
		}
	}
	return nil
}

// NewHTTPClient returns a client with a tuned transport. Deadlines come from
// the request context, so the client itself carries no overall timeout.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
