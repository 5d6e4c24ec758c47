package models

import (
	"strings"
	"time"
)

// ProviderKind selects the adapter used to talk to a generation service.
type ProviderKind string

const (
	KindOpenAI   ProviderKind = "openai"
	KindClaude   ProviderKind = "claude"
	KindGemini   ProviderKind = "gemini"
	KindCompat   ProviderKind = "compat"
	KindOllama   ProviderKind = "ollama"
	KindCustom   ProviderKind = "custom"
	KindTemplate ProviderKind = "template"
)

// ScriptFormat is the format tag sent to script-returning endpoints.
const ScriptFormat = "blender_python"

// ParseProviderKind normalises a configured kind name. Aliases from the
// addon's provider list (anthropic, groq, google) map onto their adapters.
func ParseProviderKind(raw string) (ProviderKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "openai":
		return KindOpenAI, true
	case "claude", "anthropic":
		return KindClaude, true
	case "gemini", "google":
		return KindGemini, true
	case "compat", "groq", "openai-compatible":
		return KindCompat, true
	case "ollama":
		return KindOllama, true
	case "custom":
		return KindCustom, true
	case "template":
		return KindTemplate, true
	default:
		return "", false
	}
}

// RetryPolicy enables bounded retries of transient failures. The zero value
// performs a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Enabled reports whether more than one attempt is allowed.
func (r RetryPolicy) Enabled() bool {
	return r.MaxAttempts > 1
}

// RequestTemplate describes the request and response mapping of the open
// template adapter. Paths use gjson/sjson syntax.
type RequestTemplate struct {
	Body        string
	PromptField string
	SystemField string
	FormatField string
	ModelField  string
	ScriptPath  string
	ErrorPath   string
	AuthHeader  string
	AuthScheme  string
}

// ProviderConfig carries everything needed to reach one provider. It is
// passed explicitly into each call.
type ProviderConfig struct {
	Name            string
	Kind            ProviderKind
	EndpointURL     string
	APIKey          string
	ExtraHeaders    map[string]string
	RequestTemplate *RequestTemplate
	Model           string
	Temperature     *float64 // nil selects the default; 0 is a valid setting
	MaxTokens       int
	Candidates      int
	Keyless         bool
	Timeout         time.Duration
	Retry           RetryPolicy
}

// DisplayName returns the configured name, falling back to the kind.
func (c ProviderConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// GenerationRequest is a single prompt bound for one provider.
type GenerationRequest struct {
	Prompt   string
	Provider ProviderConfig
}

// GenerationResult is the parsed provider reply. ScriptCandidates holds the
// script-bearing text fields in provider order.
type GenerationResult struct {
	RawBody          []byte
	ScriptCandidates []string
	ProviderKind     ProviderKind
	HTTPStatus       int
}

// ErrorRecord captures a runtime failure raised while executing a script.
type ErrorRecord struct {
	Message   string
	Backtrace string
	Line      int
	Column    int
}
