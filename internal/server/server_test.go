package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"scenegen/internal/client"
	"scenegen/internal/config"
	"scenegen/internal/executor"
	"scenegen/internal/history"
	"scenegen/internal/metrics"
	"scenegen/internal/organizer"
	"scenegen/internal/provider/factory"
	"scenegen/internal/scene"
	"scenegen/internal/script"
	"scenegen/internal/session"
)

type fixture struct {
	srv     *Server
	session *session.Session
	scene   *scene.Memory
}

// scriptService answers the custom protocol with script and GET probes
// with 200.
func scriptService(t *testing.T, script string) *httptest.Server {
	t.Helper()
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"script": script})
	}))
	t.Cleanup(svc.Close)
	return svc
}

func newFixture(t *testing.T, providerURL string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry, err := factory.NewRegistry()
	require.NoError(t, err)
	collector := metrics.NewCollector("", logger)
	cl, err := client.New(registry, client.WithLogger(logger), client.WithMetrics(collector), client.WithTimeout(5*time.Second))
	require.NoError(t, err)

	store, err := history.Open(history.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sc := scene.NewMemory()
	sess, err := session.New(session.Deps{
		Client:    cl,
		Extractor: script.NewExtractor(script.DefaultConfig(), script.WithLogger(logger)),
		Executor:  executor.New(sc, executor.WithLogger(logger)),
		Organizer: organizer.New(sc, organizer.WithLogger(logger)),
	}, session.WithLogger(logger), session.WithMetrics(collector), session.WithHistory(store))
	require.NoError(t, err)
	t.Cleanup(sess.Wait)

	cfg := config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Log:      config.LogConfig{Level: "debug"},
		Pipeline: config.PipelineConfig{DefaultProvider: "local"},
		Providers: []config.ProviderConfig{
			{Name: "local", Kind: "custom", BaseURL: providerURL, APIKey: "secret"},
			{Name: "hosted", Kind: "openai", APIKey: "sk-hidden", Model: "gpt-4o-mini"},
		},
	}
	srv, err := New(cfg, Deps{Session: sess, Client: cl, Scene: sc, History: store, Metrics: collector}, logger)
	require.NoError(t, err)
	return &fixture{srv: srv, session: sess, scene: sc}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "http://unused")
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestProvidersHideCredentials(t *testing.T) {
	f := newFixture(t, "http://gen.local")
	rec := f.do(t, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-hidden")
	assert.NotContains(t, rec.Body.String(), "secret")

	providers := decode[[]providerInfo](t, rec)
	require.Len(t, providers, 2)
	assert.Equal(t, providerInfo{Name: "local", Kind: "custom", BaseURL: "http://gen.local", Default: true}, providers[0])
	assert.Equal(t, "openai", providers[1].Kind)
}

func TestGenerateSync(t *testing.T) {
	svc := scriptService(t, "```python\nimport bpy\nbpy.ops.mesh.primitive_cube_add(size=2)\nbpy.context.active_object.name = 'Crate'\n```")
	f := newFixture(t, svc.URL)

	rec := f.do(t, http.MethodPost, "/v1/generate/sync", `{"prompt":"a wooden crate"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[session.Status](t, rec)
	assert.Equal(t, session.StateSuccess, st.State)
	assert.Equal(t, "gen_a_wooden_crate_001", st.CollectionName)
	assert.Equal(t, 1, st.CreatedObjects)
	assert.Equal(t, "local", st.Provider)

	snap := decode[scene.Snapshot](t, f.do(t, http.MethodGet, "/v1/scene", ""))
	require.Len(t, snap.Objects, 1)
	assert.Equal(t, "Crate", snap.Objects[0].Name)
	require.Len(t, snap.Collections, 1)

	records := decode[[]history.Record](t, f.do(t, http.MethodGet, "/v1/history?limit=5", ""))
	require.Len(t, records, 1)
	assert.Equal(t, st.RunID, records[0].RunID)

	last := f.do(t, http.MethodGet, "/v1/history/last/script", "")
	require.Equal(t, http.StatusOK, last.Code)
	assert.Contains(t, last.Body.String(), "primitive_cube_add(size=2)")
	assert.Equal(t, st.RunID, last.Header().Get("X-Scenegen-Run-Id"))

	metricsRec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `scenegen_generations_total{error_kind="",state="success"} 1`)
}

func TestGenerateSyncReportsFailureStatus(t *testing.T) {
	svc := scriptService(t, "import os\nos.system('rm -rf /')")
	f := newFixture(t, svc.URL)

	rec := f.do(t, http.MethodPost, "/v1/generate/sync", `{"prompt":"anything","provider":"local"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	st := decode[session.Status](t, rec)
	assert.Equal(t, session.StateFailure, st.State)
	assert.Equal(t, session.KindDisallowed, st.ErrorKind)
	assert.Empty(t, f.scene.Snapshot().Objects)
}

func TestGenerateAsync(t *testing.T) {
	svc := scriptService(t, "bpy.ops.mesh.primitive_torus_add()")
	f := newFixture(t, svc.URL)

	rec := f.do(t, http.MethodPost, "/v1/generate", `{"prompt":"a donut"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[generateAccepted](t, rec)
	require.NotEmpty(t, accepted.RunID)

	f.session.Wait()

	reply := decode[statusReply](t, f.do(t, http.MethodGet, "/v1/status", ""))
	assert.False(t, reply.Busy)
	assert.Equal(t, accepted.RunID, reply.Status.RunID)
	assert.Equal(t, session.StateSuccess, reply.Status.State)
	assert.Equal(t, "gen_a_donut_001", reply.Status.CollectionName)
}

func TestGenerateRequestErrors(t *testing.T) {
	f := newFixture(t, "http://unused")

	tests := []struct {
		name   string
		body   string
		status int
		errTyp string
	}{
		{"empty body", "", http.StatusBadRequest, "invalid_request_error"},
		{"bad json", `{"prompt":`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown field", `{"prompt":"x","model":"y"}`, http.StatusBadRequest, "invalid_request_error"},
		{"two objects", `{"prompt":"x"}{"prompt":"y"}`, http.StatusBadRequest, "invalid_request_error"},
		{"empty prompt", `{"prompt":"  "}`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown provider", `{"prompt":"x","provider":"nope"}`, http.StatusNotFound, "not_found_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/generate", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.errTyp, body.Error.Type)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestGenerateConflict(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		_, _ = w.Write([]byte(`{"script":"bpy.ops.mesh.primitive_cube_add()"}`))
	}))
	defer svc.Close()
	f := newFixture(t, svc.URL)

	rec := f.do(t, http.MethodPost, "/v1/generate", `{"prompt":"first"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-arrived

	rec = f.do(t, http.MethodPost, "/v1/generate", `{"prompt":"second"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "already_in_progress", body.Error.Code)

	close(release)
	f.session.Wait()
}

func TestCancel(t *testing.T) {
	arrived := make(chan struct{})
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices the client hanging up once the body is consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		close(arrived)
		<-r.Context().Done()
	}))
	defer svc.Close()
	f := newFixture(t, svc.URL)

	assert.JSONEq(t, `{"cancelled":false}`, f.do(t, http.MethodPost, "/v1/cancel", "").Body.String())

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/generate", `{"prompt":"slow"}`).Code)
	<-arrived
	assert.JSONEq(t, `{"cancelled":true}`, f.do(t, http.MethodPost, "/v1/cancel", "").Body.String())

	f.session.Wait()
	st := f.session.Status()
	assert.Equal(t, session.StateFailure, st.State)
	assert.Equal(t, session.KindCancelled, st.ErrorKind)
}

func TestLastScriptMissing(t *testing.T) {
	f := newFixture(t, "http://unused")
	rec := f.do(t, http.MethodGet, "/v1/history/last/script", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", decode[errorBody](t, rec).Error.Type)

	rec = f.do(t, http.MethodGet, "/v1/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbe(t *testing.T) {
	svc := scriptService(t, "")
	f := newFixture(t, svc.URL)

	rec := f.do(t, http.MethodPost, "/v1/providers/local/probe", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decode[map[string]any](t, rec)
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "custom", reply["kind"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/providers/ghost/probe", "").Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, "http://unused")
	rec := f.do(t, http.MethodGet, "/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_request_error", decode[errorBody](t, rec).Error.Type)
}

func TestEventsStream(t *testing.T) {
	svc := scriptService(t, "bpy.ops.mesh.primitive_cone_add()")
	f := newFixture(t, svc.URL)
	web := httptest.NewServer(f.srv.Handler())
	defer web.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(web.URL, "http")+"/v1/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	resp, err := http.Post(web.URL+"/v1/generate", "application/json", strings.NewReader(`{"prompt":"a cone"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var final session.Status
	for !final.Done() {
		require.NoError(t, wsjson.Read(ctx, conn, &final))
	}
	assert.Equal(t, session.StateSuccess, final.State)
	assert.Equal(t, "gen_a_cone_001", final.CollectionName)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}
