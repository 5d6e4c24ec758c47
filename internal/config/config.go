package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"scenegen/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCENEGEN"

const (
	defaultPort            = 8080
	defaultLogLevel        = "info"
	defaultPromptMaxLength = 500
	maxRetryAttempts       = 10
	maxCandidates          = 8
)

const (
	// MemoryHistoryPath keeps run history only for the life of the process.
	MemoryHistoryPath       = ":memory:"
	DefaultMetricsNamespace = "scenegen"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	History   HistoryConfig    `yaml:"history"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// PipelineConfig tunes the generation run.
type PipelineConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	PromptMaxLength   int           `yaml:"prompt_max_length"`
	AllowedModules    []string      `yaml:"allowed_modules"`
	MaxExecutionSteps uint64        `yaml:"max_execution_steps"`
	DefaultProvider   string        `yaml:"default_provider"`
}

// HistoryConfig locates the run history database. An empty path keeps
// history in memory.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	Name        string          `yaml:"name"`
	Kind        string          `yaml:"kind"`
	BaseURL     string          `yaml:"base_url"`
	APIKey      string          `yaml:"api_key"`
	Model       string          `yaml:"model"`
	Keyless     bool            `yaml:"keyless"`
	Headers     Headers         `yaml:"headers"`
	Temperature *float64        `yaml:"temperature"`
	MaxTokens   int             `yaml:"max_tokens"`
	Candidates  int             `yaml:"candidates"`
	Timeout     time.Duration   `yaml:"timeout"`
	Retry       RetryConfig     `yaml:"retry"`
	Template    *TemplateConfig `yaml:"template"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// TemplateConfig maps the open template provider onto an arbitrary JSON API.
type TemplateConfig struct {
	Body        string `yaml:"body"`
	PromptField string `yaml:"prompt_field"`
	SystemField string `yaml:"system_field"`
	FormatField string `yaml:"format_field"`
	ModelField  string `yaml:"model_field"`
	ScriptPath  string `yaml:"script_path"`
	ErrorPath   string `yaml:"error_path"`
	AuthHeader  string `yaml:"auth_header"`
	AuthScheme  string `yaml:"auth_scheme"`
}

// envOverrides are read from SCENEGEN_* variables. Empty values leave the
// file configuration alone.
type envOverrides struct {
	LogLevel        string `envconfig:"LOG_LEVEL"`
	ServerPort      int    `envconfig:"SERVER_PORT"`
	HistoryPath     string `envconfig:"HISTORY_PATH"`
	DefaultProvider string `envconfig:"DEFAULT_PROVIDER"`
}

type providerOverrides struct {
	APIKey  string `envconfig:"API_KEY"`
	BaseURL string `envconfig:"BASE_URL"`
}

// Load reads YAML configuration from disk, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML without touching the environment.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays SCENEGEN_* variables. Provider credentials are read
// from SCENEGEN_<NAME>_API_KEY and SCENEGEN_<NAME>_BASE_URL.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("load environment overrides: %w", err)
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.ServerPort != 0 {
		c.Server.Port = env.ServerPort
	}
	if env.HistoryPath != "" {
		c.History.Path = env.HistoryPath
	}
	if env.DefaultProvider != "" {
		c.Pipeline.DefaultProvider = env.DefaultProvider
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		var po providerOverrides
		if err := envconfig.Process(envPrefixFor(p.Name), &po); err != nil {
			return fmt.Errorf("load environment overrides for provider %s: %w", p.Name, err)
		}
		if po.APIKey != "" {
			p.APIKey = po.APIKey
		}
		if po.BaseURL != "" {
			p.BaseURL = po.BaseURL
		}
	}
	return nil
}

func envPrefixFor(name string) string {
	var sb strings.Builder
	sb.WriteString(EnvPrefix)
	sb.WriteByte('_')
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Pipeline.PromptMaxLength == 0 {
		c.Pipeline.PromptMaxLength = defaultPromptMaxLength
	}
	if c.History.Path == "" {
		c.History.Path = MemoryHistoryPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.Pipeline.DefaultProvider == "" && len(c.Providers) > 0 {
		c.Pipeline.DefaultProvider = c.Providers[0].Name
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Pipeline.Timeout < 0 {
		return fmt.Errorf("pipeline.timeout must not be negative, got %s", c.Pipeline.Timeout)
	}
	if c.Pipeline.PromptMaxLength < 0 {
		return fmt.Errorf("pipeline.prompt_max_length must not be negative, got %d", c.Pipeline.PromptMaxLength)
	}
	for _, m := range c.Pipeline.AllowedModules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("pipeline.allowed_modules must not contain empty names")
		}
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, provider := range c.Providers {
		if err := validateProvider(provider); err != nil {
			return err
		}
		if seen[provider.Name] {
			return fmt.Errorf("provider %s: name is configured more than once", provider.Name)
		}
		seen[provider.Name] = true
	}
	if c.Pipeline.DefaultProvider != "" && !seen[c.Pipeline.DefaultProvider] {
		return fmt.Errorf("pipeline.default_provider %q is not a configured provider", c.Pipeline.DefaultProvider)
	}
	return nil
}

func validateProvider(provider ProviderConfig) error {
	name := provider.Name
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	kind, ok := models.ParseProviderKind(provider.Kind)
	if !ok {
		return fmt.Errorf("provider %s: kind %q is not supported", name, provider.Kind)
	}
	if kind == models.KindTemplate {
		if provider.Template == nil {
			return fmt.Errorf("provider %s: template kind requires a template section", name)
		}
		if strings.TrimSpace(provider.BaseURL) == "" {
			return fmt.Errorf("provider %s: base_url must be provided", name)
		}
	}
	if kind == models.KindCustom && strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if t := provider.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("provider %s: temperature must be between 0 and 2, got %g", name, *t)
	}
	if provider.MaxTokens < 0 {
		return fmt.Errorf("provider %s: max_tokens must not be negative", name)
	}
	if provider.Candidates < 0 || provider.Candidates > maxCandidates {
		return fmt.Errorf("provider %s: candidates must be between 0 and %d", name, maxCandidates)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}
	if provider.Retry.MaxAttempts < 0 || provider.Retry.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("provider %s: retry.max_attempts must be between 0 and %d", name, maxRetryAttempts)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Provider returns the provider configured under name. An empty name
// selects the default provider.
func (c Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.Pipeline.DefaultProvider
	}
	for _, p := range c.Providers {
		if p.Name == name {
			return p, nil
		}
	}
	return ProviderConfig{}, fmt.Errorf("provider %q is not configured", name)
}

// ProviderNames lists the configured providers in file order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

// Settings converts the file entry into the per-call provider configuration.
func (p ProviderConfig) Settings() models.ProviderConfig {
	kind, _ := models.ParseProviderKind(p.Kind)
	cfg := models.ProviderConfig{
		Name:        p.Name,
		Kind:        kind,
		EndpointURL: p.BaseURL,
		APIKey:      p.APIKey,
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Candidates:  p.Candidates,
		Keyless:     p.Keyless,
		Timeout:     p.Timeout,
		Retry: models.RetryPolicy{
			MaxAttempts: p.Retry.MaxAttempts,
			BaseDelay:   p.Retry.BaseDelay,
		},
	}
	if len(p.Headers) > 0 {
		cfg.ExtraHeaders = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			cfg.ExtraHeaders[k] = v
		}
	}
	if t := p.Template; t != nil {
		cfg.RequestTemplate = &models.RequestTemplate{
			Body:        t.Body,
			PromptField: t.PromptField,
			SystemField: t.SystemField,
			FormatField: t.FormatField,
			ModelField:  t.ModelField,
			ScriptPath:  t.ScriptPath,
			ErrorPath:   t.ErrorPath,
			AuthHeader:  t.AuthHeader,
			AuthScheme:  t.AuthScheme,
		}
	}
	return cfg
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
