package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"scenegen/internal/models"
)

// ErrUnknownProvider indicates no adapter is registered for the requested kind.
var ErrUnknownProvider = errors.New("unknown provider kind")

// ErrDuplicateProvider indicates an attempt to register the same kind twice.
var ErrDuplicateProvider = errors.New("provider kind already registered")

// ErrUnsupportedOperation indicates the adapter cannot fulfil the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// Defaults are the values an adapter fills in when the configuration leaves
// them empty.
type Defaults struct {
	EndpointURL string
	Model       string
	Keyless     bool
}

// Adapter translates between the pipeline and one provider's wire format.
// Adapters do no I/O; the generation client performs the HTTP exchange.
type Adapter interface {
	Kind() models.ProviderKind
	Defaults() Defaults
	BuildRequest(prompt string, cfg models.ProviderConfig) (*WireRequest, error)
	ParseResponse(resp *WireResponse, cfg models.ProviderConfig) (*models.GenerationResult, error)
	ProbeRequest(cfg models.ProviderConfig) (*WireRequest, error)
}

// Registry maps provider kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ProviderKind]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.ProviderKind]Adapter),
	}
}

// Register adds an adapter under its kind.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Kind()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, a.Kind())
	}
	r.adapters[a.Kind()] = a
	return nil
}

// Lookup returns the adapter registered for kind.
func (r *Registry) Lookup(kind models.ProviderKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return a, nil
}

// Kinds lists the registered kinds in lexical order.
func (r *Registry) Kinds() []models.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.ProviderKind, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Resolve looks up the adapter for cfg and returns cfg with the adapter's
// defaults applied.
func (r *Registry) Resolve(cfg models.ProviderConfig) (Adapter, models.ProviderConfig, error) {
	a, err := r.Lookup(cfg.Kind)
	if err != nil {
		return nil, cfg, err
	}

	defaults := a.Defaults()
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		cfg.EndpointURL = defaults.EndpointURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaults.Model
	}
	if defaults.Keyless {
		cfg.Keyless = true
	}
	return a, cfg, nil
}
