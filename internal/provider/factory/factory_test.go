package factory

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"scenegen/internal/models"
	"scenegen/internal/provider"
	templateProvider "scenegen/internal/provider/template"
)

func resolve(t *testing.T, cfg models.ProviderConfig) (provider.Adapter, models.ProviderConfig) {
	t.Helper()
	registry, err := NewRegistry()
	require.NoError(t, err)
	a, resolved, err := registry.Resolve(cfg)
	require.NoError(t, err)
	return a, resolved
}

func float64Ptr(v float64) *float64 { return &v }

func reply(kind models.ProviderKind, status int, body string) *provider.WireResponse {
	return &provider.WireResponse{Kind: kind, StatusCode: status, Header: make(http.Header), Body: []byte(body)}
}

func TestRegistryHoldsBuiltins(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ProviderKind{
		models.KindOpenAI, models.KindClaude, models.KindGemini, models.KindCompat,
		models.KindOllama, models.KindCustom, models.KindTemplate,
	}, registry.Kinds())

	assert.ErrorIs(t, RegisterBuiltins(registry), provider.ErrDuplicateProvider)
}

func TestOpenAIRequest(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindOpenAI, APIKey: "sk-test", Candidates: 3, ExtraHeaders: map[string]string{"OpenAI-Organization": "org"}})

	req, err := a.BuildRequest("a red chair", cfg)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", req.URL)
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Equal(t, "org", req.Header.Get("OpenAI-Organization"))

	body := gjson.ParseBytes(req.Body)
	assert.Equal(t, "gpt-4o-mini", body.Get("model").String())
	assert.Equal(t, "system", body.Get("messages.0.role").String())
	assert.Equal(t, provider.UserPrompt("a red chair"), body.Get("messages.1.content").String())
	assert.EqualValues(t, 3, body.Get("n").Int())
	assert.EqualValues(t, provider.DefaultMaxTokens, body.Get("max_tokens").Int())
	assert.InDelta(t, provider.DefaultTemperature, body.Get("temperature").Float(), 1e-6)
}

func TestOpenAIChoicesInIndexOrder(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindOpenAI})

	res, err := a.ParseResponse(reply(models.KindOpenAI, 200, `{"choices":[
		{"index":1,"message":{"role":"assistant","content":"second"}},
		{"index":2,"message":{"role":"assistant","content":"  "}},
		{"index":0,"message":{"role":"assistant","content":"first"}}]}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, res.ScriptCandidates)
	assert.Equal(t, models.KindOpenAI, res.ProviderKind)

	_, err = a.ParseResponse(reply(models.KindOpenAI, 200, `{"choices":[]}`), cfg)
	assert.ErrorIs(t, err, provider.ErrMissingPayload)

	_, err = a.ParseResponse(reply(models.KindOpenAI, 200, `not json`), cfg)
	assert.ErrorIs(t, err, provider.ErrMalformedResponse)
}

func TestCompatRequestsOneCandidate(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindCompat, APIKey: "gsk", Candidates: 4})

	req, err := a.BuildRequest("a lamp", cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", req.URL)
	assert.False(t, gjson.GetBytes(req.Body, "n").Exists())
	assert.Equal(t, "llama-3.3-70b-versatile", gjson.GetBytes(req.Body, "model").String())
}

func TestClaudeRequestAndTextBlocks(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindClaude, APIKey: "sk-ant", MaxTokens: 2048})

	req, err := a.BuildRequest("a boat", cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", req.URL)
	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.EqualValues(t, 2048, gjson.GetBytes(req.Body, "max_tokens").Int())
	assert.Equal(t, provider.SystemPrompt, gjson.GetBytes(req.Body, "system").String())

	res, err := a.ParseResponse(reply(models.KindClaude, 200, `{"content":[
		{"type":"thinking","text":"hmm"},
		{"type":"text","text":"bpy.ops.mesh.primitive_cube_add()"}]}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"bpy.ops.mesh.primitive_cube_add()"}, res.ScriptCandidates)

	_, err = a.ParseResponse(reply(models.KindClaude, 200, `{"content":[]}`), cfg)
	assert.ErrorIs(t, err, provider.ErrMissingPayload)

	_, err = a.ParseResponse(reply(models.KindClaude, 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`), cfg)
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.IsAuth())
	assert.Equal(t, "invalid x-api-key (authentication_error)", perr.Detail)
}

func TestGeminiRequestAndCandidates(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindGemini, APIKey: "AIza", Candidates: 2})

	req, err := a.BuildRequest("a mug", cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", req.URL)
	assert.Equal(t, "AIza", req.Header.Get("x-goog-api-key"))
	assert.EqualValues(t, 2, gjson.GetBytes(req.Body, "generationConfig.candidateCount").Int())
	assert.Equal(t, provider.UserPrompt("a mug"), gjson.GetBytes(req.Body, "contents.0.parts.0.text").String())

	res, err := a.ParseResponse(reply(models.KindGemini, 200, `{"candidates":[
		{"content":{"parts":[{"text":"import bpy\n"},{"text":"bpy.ops.mesh.primitive_cylinder_add()"}]}},
		{"content":{"parts":[{"text":"bpy.ops.mesh.primitive_cone_add()"}]}}]}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"import bpy\nbpy.ops.mesh.primitive_cylinder_add()",
		"bpy.ops.mesh.primitive_cone_add()",
	}, res.ScriptCandidates)

	_, err = a.ParseResponse(reply(models.KindGemini, 200, `{"promptFeedback":{"blockReason":"SAFETY"}}`), cfg)
	require.ErrorIs(t, err, provider.ErrMissingPayload)
	assert.Contains(t, err.Error(), "prompt blocked: SAFETY")
}

func TestGeminiKeepsFullEndpoint(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindGemini, EndpointURL: "https://proxy.local/v1/models/x:generateContent"})

	req, err := a.BuildRequest("a mug", cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://proxy.local/v1/models/x:generateContent", req.URL)
	assert.Empty(t, req.Header.Get("x-goog-api-key"))
}

func TestOllamaRequestAndReply(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindOllama, Temperature: float64Ptr(0.2)})
	assert.True(t, cfg.Keyless)

	req, err := a.BuildRequest("a table", cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/api/chat", req.URL)
	assert.Empty(t, req.Header.Get("Authorization"))

	body := gjson.ParseBytes(req.Body)
	assert.Equal(t, "llama3.1", body.Get("model").String())
	assert.False(t, body.Get("stream").Bool())
	assert.True(t, body.Get("stream").Exists())
	assert.InDelta(t, 0.2, body.Get("options.temperature").Float(), 1e-9)

	res, err := a.ParseResponse(reply(models.KindOllama, 200, `{"model":"llama3.1","message":{"role":"assistant","content":"bpy.ops.mesh.primitive_cube_add()"},"done":true}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"bpy.ops.mesh.primitive_cube_add()"}, res.ScriptCandidates)

	_, err = a.ParseResponse(reply(models.KindOllama, 200, `{"message":{"role":"assistant","content":""},"done":true}`), cfg)
	assert.ErrorIs(t, err, provider.ErrMissingPayload)
}

func TestZeroTemperatureReachesWire(t *testing.T) {
	tests := []struct {
		kind models.ProviderKind
		path string
	}{
		{models.KindOpenAI, "temperature"},
		{models.KindCompat, "temperature"},
		{models.KindClaude, "temperature"},
		{models.KindGemini, "generationConfig.temperature"},
		{models.KindOllama, "options.temperature"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			a, cfg := resolve(t, models.ProviderConfig{Kind: tt.kind, APIKey: "key", Temperature: float64Ptr(0)})

			req, err := a.BuildRequest("a cup", cfg)
			require.NoError(t, err)
			got := gjson.GetBytes(req.Body, tt.path)
			require.True(t, got.Exists(), "temperature missing from %s body", tt.kind)
			assert.InDelta(t, 0, got.Float(), 1e-30)
		})
	}

	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindGemini})
	req, err := a.BuildRequest("a cup", cfg)
	require.NoError(t, err)
	assert.InDelta(t, provider.DefaultTemperature, gjson.GetBytes(req.Body, "generationConfig.temperature").Float(), 1e-6)
}

func TestCustomProtocol(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindCustom, EndpointURL: "http://gen.local/script"})

	req, err := a.BuildRequest("a chair", cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://gen.local/script", req.URL)
	assert.JSONEq(t, `{"prompt":"a chair","format":"blender_python"}`, string(req.Body))

	probe, err := a.ProbeRequest(cfg)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, probe.Method)
	assert.Empty(t, probe.Body)

	res, err := a.ParseResponse(reply(models.KindCustom, 200, `{"script":"bpy.ops.mesh.primitive_cube_add()"}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"bpy.ops.mesh.primitive_cube_add()"}, res.ScriptCandidates)

	_, err = a.ParseResponse(reply(models.KindCustom, 200, `{"code":"x"}`), cfg)
	require.ErrorIs(t, err, provider.ErrMissingPayload)
	assert.Contains(t, err.Error(), `"script"`)

	_, err = a.ParseResponse(reply(models.KindCustom, 200, `{"script":""}`), cfg)
	assert.ErrorIs(t, err, provider.ErrMissingPayload)
}

func TestTemplateRendersBody(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{
		Kind:        models.KindTemplate,
		EndpointURL: "http://llm.local/v1/complete",
		APIKey:      "tok",
		Model:       "house-model",
		RequestTemplate: &models.RequestTemplate{
			Body:        `{"params":{"stream":false}}`,
			PromptField: "input.text",
			SystemField: "input.system",
			ModelField:  "params.model",
			ScriptPath:  "outputs.#.text",
			AuthHeader:  "X-Token",
			AuthScheme:  "none",
		},
	})

	req, err := a.BuildRequest("a vase", cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok", req.Header.Get("X-Token"))
	assert.Empty(t, req.Header.Get("Authorization"))

	body := gjson.ParseBytes(req.Body)
	assert.Equal(t, provider.UserPrompt("a vase"), body.Get("input.text").String())
	assert.Equal(t, provider.SystemPrompt, body.Get("input.system").String())
	assert.Equal(t, "house-model", body.Get("params.model").String())
	assert.True(t, body.Get("params.stream").Exists())

	res, err := a.ParseResponse(reply(models.KindTemplate, 200, `{"outputs":[{"text":"a = 1"},{"text":"b = 2"}]}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"a = 1", "b = 2"}, res.ScriptCandidates)
}

func TestTemplateDefaults(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{Kind: models.KindTemplate, EndpointURL: "http://svc.local", APIKey: "k"})

	req, err := a.BuildRequest("a tree", cfg)
	require.NoError(t, err)
	assert.Equal(t, "Bearer k", req.Header.Get("Authorization"))
	assert.Contains(t, gjson.GetBytes(req.Body, "prompt").String(), provider.SystemPrompt)

	res, err := a.ParseResponse(reply(models.KindTemplate, 200, `{"script":"x = 1"}`), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"x = 1"}, res.ScriptCandidates)
}

func TestTemplateScriptService(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{
		Kind:            models.KindTemplate,
		EndpointURL:     "http://svc.local",
		RequestTemplate: &models.RequestTemplate{FormatField: "format", ErrorPath: "error"},
	})

	req, err := a.BuildRequest("a tree", cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"a tree","format":"blender_python"}`, string(req.Body))

	_, err = a.ParseResponse(reply(models.KindTemplate, 200, `{"error":"quota exhausted","script":null}`), cfg)
	require.ErrorIs(t, err, provider.ErrMissingPayload)
	assert.Contains(t, err.Error(), "quota exhausted")

	_, err = a.ParseResponse(reply(models.KindTemplate, 200, `{"error":null}`), cfg)
	require.ErrorIs(t, err, provider.ErrMissingPayload)
	assert.Contains(t, err.Error(), `no value at "script"`)

	_, err = a.ParseResponse(reply(models.KindTemplate, 200, `<xml/>`), cfg)
	assert.ErrorIs(t, err, provider.ErrMalformedResponse)
}

func TestTemplateRejectsInvalidBody(t *testing.T) {
	a, cfg := resolve(t, models.ProviderConfig{
		Kind:            models.KindTemplate,
		EndpointURL:     "http://svc.local",
		RequestTemplate: &models.RequestTemplate{Body: `{"unterminated":`},
	})

	_, err := a.BuildRequest("x", cfg)
	assert.ErrorIs(t, err, templateProvider.ErrInvalidTemplate)
}
