package config

import (
	"go/build"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenegen/internal/models"
)

const sample = `
server:
  port: 9090
log:
  level: debug
pipeline:
  timeout: 45s
  prompt_max_length: 300
  default_provider: local
providers:
  - name: openai
    kind: openai
    api_key: sk-file
    model: gpt-4o
    candidates: 2
    headers:
      OpenAI-Organization: org-1
    retry:
      max_attempts: 3
      base_delay: 250ms
  - name: local
    kind: ollama
    model: llama3.1
    temperature: 0
  - name: house
    kind: template
    base_url: http://llm.local/complete
    template:
      body: '{"stream":false}'
      prompt_field: input
      script_path: output.text
      auth_scheme: none
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, MemoryHistoryPath, cfg.History.Path)
	assert.Equal(t, DefaultMetricsNamespace, cfg.Metrics.Namespace)
	assert.Equal(t, []string{"openai", "local", "house"}, cfg.ProviderNames())

	p, err := cfg.Provider("")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name)

	_, err = cfg.Provider("missing")
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCENEGEN_SERVER_PORT", "7000")
	t.Setenv("SCENEGEN_LOG_LEVEL", "warn")
	t.Setenv("SCENEGEN_HISTORY_PATH", "/tmp/scenegen-history.db")
	t.Setenv("SCENEGEN_OPENAI_API_KEY", "sk-env")
	t.Setenv("SCENEGEN_LOCAL_BASE_URL", "http://gpu-box:11434")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/tmp/scenegen-history.db", cfg.History.Path)

	openai, _ := cfg.Provider("openai")
	assert.Equal(t, "sk-env", openai.APIKey)
	local, _ := cfg.Provider("local")
	assert.Equal(t, "http://gpu-box:11434", local.BaseURL)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers:\n  - name: groq\n    kind: groq\n"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Pipeline.PromptMaxLength)
	assert.Equal(t, "groq", cfg.Pipeline.DefaultProvider)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8080},
			Log:       LogConfig{Level: "info"},
			Providers: []ProviderConfig{{Name: "openai", Kind: "openai"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"unknown kind", func(c *Config) { c.Providers[0].Kind = "mystery" }, "not supported"},
		{"duplicate", func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }, "more than once"},
		{"template without section", func(c *Config) {
			c.Providers[0] = ProviderConfig{Name: "t", Kind: "template", BaseURL: "http://x"}
		}, "template section"},
		{"custom without url", func(c *Config) { c.Providers[0] = ProviderConfig{Name: "c", Kind: "custom"} }, "base_url"},
		{"temperature", func(c *Config) { c.Providers[0].Temperature = float64Ptr(3) }, "temperature"},
		{"negative temperature", func(c *Config) { c.Providers[0].Temperature = float64Ptr(-0.1) }, "temperature"},
		{"retry", func(c *Config) { c.Providers[0].Retry.MaxAttempts = 50 }, "retry.max_attempts"},
		{"header", func(c *Config) { c.Providers[0].Headers = Headers{"Bad Header": "x"} }, "canonical HTTP header"},
		{"default provider", func(c *Config) { c.Pipeline.DefaultProvider = "other" }, "default_provider"},
		{"empty module", func(c *Config) { c.Pipeline.AllowedModules = []string{"bpy", " "} }, "allowed_modules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.msg)
		})
	}

	assert.NoError(t, valid().Validate())

	zero := valid()
	zero.Providers[0].Temperature = float64Ptr(0)
	assert.NoError(t, zero.Validate())
}

func float64Ptr(v float64) *float64 { return &v }

func TestConfigDependsOnlyOnModels(t *testing.T) {
	pkg, err := build.ImportDir(".", 0)
	require.NoError(t, err)
	for _, imp := range pkg.Imports {
		if strings.HasPrefix(imp, "scenegen/") {
			assert.Equal(t, "scenegen/internal/models", imp)
		}
	}
}

func TestProviderSettings(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	openai := cfg.Providers[0].Settings()
	assert.Equal(t, models.KindOpenAI, openai.Kind)
	assert.Equal(t, "sk-file", openai.APIKey)
	assert.Equal(t, 2, openai.Candidates)
	assert.Equal(t, map[string]string{"OpenAI-Organization": "org-1"}, openai.ExtraHeaders)
	assert.Equal(t, models.RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond}, openai.Retry)
	assert.Nil(t, openai.RequestTemplate)
	assert.Nil(t, openai.Temperature)

	local := cfg.Providers[1].Settings()
	require.NotNil(t, local.Temperature)
	assert.Equal(t, 0.0, *local.Temperature)

	house := cfg.Providers[2].Settings()
	assert.Equal(t, models.KindTemplate, house.Kind)
	assert.Equal(t, "http://llm.local/complete", house.EndpointURL)
	require.NotNil(t, house.RequestTemplate)
	assert.Equal(t, "output.text", house.RequestTemplate.ScriptPath)
	assert.Equal(t, "none", house.RequestTemplate.AuthScheme)
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Development: true}.NewLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = LogConfig{Level: "chatty"}.NewLogger()
	assert.Error(t, err)
}
