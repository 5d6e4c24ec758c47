package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"scenegen/internal/client"
	"scenegen/internal/executor"
	"scenegen/internal/history"
	"scenegen/internal/models"
	"scenegen/internal/organizer"
	"scenegen/internal/provider/factory"
	"scenegen/internal/scene"
	"scenegen/internal/script"
)

const sportsCar = "```python\n" +
	"import bpy\n" +
	"bpy.ops.mesh.primitive_cube_add(location=(0, 0, 0.5), scale=(2, 1, 0.4))\n" +
	"body = bpy.context.active_object\n" +
	"body.name = 'Body'\n" +
	"mat = bpy.data.materials.new(name='Red')\n" +
	"mat.diffuse_color = (0.8, 0.05, 0.05, 1.0)\n" +
	"body.active_material = mat\n" +
	"for x in (-1.2, 1.2):\n" +
	"    bpy.ops.mesh.primitive_cylinder_add(radius=0.35, depth=0.2, location=(x, 0.9, 0.35))\n" +
	"bpy.ops.mesh.primitive_uv_sphere_add(radius=0.3, location=(0, 0, 1))\n" +
	"```\n"

type fixture struct {
	scene    *scene.Memory
	session  *Session
	history  *history.Store
	recorder *tracetest.SpanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, func(sc *scene.Memory) scene.Scene { return sc })
}

// newFixtureWith lets a test put a wrapper between the organizer and the
// shared scene.
func newFixtureWith(t *testing.T, organized func(*scene.Memory) scene.Scene) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry, err := factory.NewRegistry()
	require.NoError(t, err)
	c, err := client.New(registry, client.WithLogger(logger), client.WithTimeout(5*time.Second))
	require.NoError(t, err)

	store, err := history.Open(history.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sc := scene.NewMemory()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	s, err := New(Deps{
		Client:    c,
		Extractor: script.NewExtractor(script.DefaultConfig(), script.WithLogger(logger)),
		Executor:  executor.New(sc, executor.WithLogger(logger)),
		Organizer: organizer.New(organized(sc), organizer.WithLogger(logger)),
	}, WithLogger(logger), WithHistory(store), WithTracerProvider(tp))
	require.NoError(t, err)

	return &fixture{scene: sc, session: s, history: store, recorder: recorder}
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunCreatesNamedCollection(t *testing.T) {
	f := newFixture(t)
	srv := chatServer(t, http.StatusOK, sportsCar)

	st, err := f.session.Run(context.Background(), "a red sports car", models.ProviderConfig{
		Kind:        models.KindCompat,
		EndpointURL: srv.URL,
		APIKey:      "test-key",
	})
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, st.State)
	assert.Equal(t, "gen_a_red_sports_car_001", st.CollectionName)
	assert.Equal(t, 4, st.CreatedObjects)
	assert.Contains(t, st.Script, "primitive_cylinder_add")
	assert.False(t, st.FinishedAt.IsZero())

	col, ok := f.scene.Collection(st.CollectionName)
	require.True(t, ok)
	assert.Len(t, col.Members, 4)
	assert.Len(t, f.scene.Snapshot().Objects, 4)

	body, ok := f.scene.FindObject("Body")
	require.True(t, ok)
	require.Len(t, body.Materials, 1)
	mat, ok := f.scene.Material(body.Materials[0])
	require.True(t, ok)
	assert.Equal(t, "Red", mat.Name)

	assert.False(t, f.session.Busy())
	assert.Equal(t, st, f.session.Status())
}

func TestRunRejectsDisallowedScript(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"script": "import os\nos.system('rm -rf /')"}`))
	}))
	t.Cleanup(srv.Close)
	before := f.scene.Snapshot()

	st, err := f.session.Run(context.Background(), "clean up", models.ProviderConfig{
		Kind:        models.KindCustom,
		EndpointURL: srv.URL,
	})
	require.Error(t, err)

	var serr *script.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "os.system", serr.Construct)
	assert.Equal(t, StateFailure, st.State)
	assert.Equal(t, KindDisallowed, st.ErrorKind)
	assert.Contains(t, st.Message, "os.system")
	assert.Equal(t, before, f.scene.Snapshot())
}

func TestRunReportsAuthConfiguration(t *testing.T) {
	f := newFixture(t)
	srv := chatServer(t, http.StatusUnauthorized, "")

	st, err := f.session.Run(context.Background(), "a chair", models.ProviderConfig{
		Kind:        models.KindOpenAI,
		EndpointURL: srv.URL,
		APIKey:      "sk-wrong",
	})
	require.Error(t, err)
	assert.Equal(t, KindAuthConfiguration, st.ErrorKind)
	assert.Contains(t, st.Message, "check the API key")
	assert.Contains(t, st.Message, "Incorrect API key provided")
	assert.Empty(t, f.scene.Snapshot().Objects)
}

func TestRunRollsBackFailingScript(t *testing.T) {
	f := newFixture(t)
	srv := chatServer(t, http.StatusOK, "import bpy\n"+
		"bpy.ops.mesh.primitive_cube_add()\n"+
		"bpy.ops.mesh.primitive_cube_add()\n"+
		"missing = bpy.data.objects['Nope']\n")
	before := f.scene.Snapshot()

	st, err := f.session.Run(context.Background(), "two cubes", models.ProviderConfig{
		Kind:        models.KindCompat,
		EndpointURL: srv.URL,
		APIKey:      "test-key",
	})
	require.Error(t, err)
	assert.Equal(t, KindExecutionFailed, st.ErrorKind)
	assert.Contains(t, st.Message, "line 4")
	assert.Equal(t, before, f.scene.Snapshot())
}

// brokenCollections is a scene whose collection creation always fails.
type brokenCollections struct {
	*scene.Memory
}

func (brokenCollections) CreateCollection(string, time.Time) error {
	return errors.New("collection storage unavailable")
}

func TestRunRevertsWhenOrganizeFails(t *testing.T) {
	f := newFixtureWith(t, func(sc *scene.Memory) scene.Scene { return brokenCollections{sc} })
	srv := chatServer(t, http.StatusOK, sportsCar)
	before := f.scene.Snapshot()

	st, err := f.session.Run(context.Background(), "a red sports car", models.ProviderConfig{
		Kind:        models.KindCompat,
		EndpointURL: srv.URL,
		APIKey:      "test-key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection storage unavailable")
	assert.Equal(t, StateFailure, st.State)
	assert.Zero(t, st.CreatedObjects)
	assert.Equal(t, before, f.scene.Snapshot())
	assert.Empty(t, f.scene.Snapshot().Objects)
	assert.False(t, f.session.Busy())
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	f := newFixture(t)

	st, err := f.session.Run(context.Background(), "   ", models.ProviderConfig{Kind: models.KindCustom})
	require.ErrorIs(t, err, client.ErrInvalidRequest)
	assert.Equal(t, KindInvalidRequest, st.ErrorKind)
	assert.False(t, f.session.Busy())
}

func blockingServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv, arrived
}

func TestCancelDuringRequest(t *testing.T) {
	f := newFixture(t)
	srv, arrived := blockingServer(t)
	updates, unsubscribe := f.session.Subscribe(16)
	defer unsubscribe()

	cfg := models.ProviderConfig{Kind: models.KindCustom, EndpointURL: srv.URL}
	runID, err := f.session.OnGenerateClicked(context.Background(), "a lamp", cfg)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the provider")
	}

	_, err = f.session.OnGenerateClicked(context.Background(), "another lamp", cfg)
	require.ErrorIs(t, err, client.ErrAlreadyInProgress)

	assert.True(t, f.session.OnCancelClicked())
	f.session.Wait()

	var final Status
	for st := range updates {
		if st.Done() {
			final = st
			break
		}
		assert.Equal(t, StateRunning, st.State)
	}
	assert.Equal(t, runID, final.RunID)
	assert.Equal(t, KindCancelled, final.ErrorKind)
	assert.False(t, f.session.Busy())
	assert.False(t, f.session.OnCancelClicked())
	assert.Empty(t, f.scene.Snapshot().Objects)
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t)
	srv := chatServer(t, http.StatusOK, sportsCar)
	cfg := models.ProviderConfig{Kind: models.KindCompat, EndpointURL: srv.URL, APIKey: "test-key", Model: "llama"}

	first, err := f.session.Run(context.Background(), "a red sports car", cfg)
	require.NoError(t, err)
	second, err := f.session.Run(context.Background(), "a red sports car", cfg)
	require.NoError(t, err)
	assert.Equal(t, "gen_a_red_sports_car_002", second.CollectionName)

	records, err := f.history.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.RunID, records[0].RunID)
	assert.Equal(t, first.RunID, records[1].RunID)
	assert.Equal(t, history.StateSuccess, records[0].State)
	assert.Equal(t, "llama", records[0].Model)
	assert.Equal(t, 4, records[0].ObjectCount)
	assert.Contains(t, records[0].Script, "primitive_uv_sphere_add")
}

func TestRunEmitsStageSpans(t *testing.T) {
	f := newFixture(t)
	srv := chatServer(t, http.StatusOK, sportsCar)

	_, err := f.session.Run(context.Background(), "a red sports car", models.ProviderConfig{
		Kind:        models.KindCompat,
		EndpointURL: srv.URL,
		APIKey:      "test-key",
	})
	require.NoError(t, err)

	var names []string
	for _, span := range f.recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{
		"scenegen.provider.generate",
		"scenegen.script.extract",
		"scenegen.scene.execute",
		"scenegen.scene.organize",
		"scenegen.generate",
	}, names)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"timeout", &client.Error{Kind: client.Timeout}, KindTimeout},
		{"busy", &client.Error{Kind: client.AlreadyInProgress}, KindAlreadyInProgress},
		{"disallowed", &script.Error{Kind: script.DisallowedConstruct, Construct: "os.system"}, KindDisallowed},
		{"no script", &script.Error{Kind: script.NoValidScript}, KindNoValidScript},
		{"execution", &executor.ExecutionError{Record: models.ErrorRecord{Message: "boom"}}, KindExecutionFailed},
		{"organize", &organizer.Error{Kind: organizer.NothingToOrganize}, KindNothingToOrganize},
		{"internal", ErrInternal, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
