package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("test", nil)

	c.RecordProviderCall("openai", "200", 120*time.Millisecond)
	c.RecordProviderCall("openai", "200", 80*time.Millisecond)
	c.RecordProviderCall("openai", "timeout", time.Second)
	c.RecordScriptRejection("disallowed_construct")
	c.RecordExecution("committed", 4)
	c.RecordExecution("rolled_back", 0)
	c.RecordGeneration("success", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.providerRequests.WithLabelValues("openai", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerRequests.WithLabelValues("openai", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scriptRejections.WithLabelValues("disallowed_construct")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.objectsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("rolled_back")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.providerDuration))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordProviderCall("x", "200", time.Millisecond)
		c.RecordScriptRejection("x")
		c.RecordExecution("committed", 1)
		c.RecordGeneration("failure", "timeout")
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector("", nil)
	c.RecordGeneration("failure", "timeout")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scenegen_generations_total{error_kind="timeout",state="failure"} 1`)
}
