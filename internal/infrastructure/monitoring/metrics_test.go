package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordInvocation("Fetch", "success", time.Millisecond)
	m.AddPendingCalls(1)
	m.SandboxStarted()
	m.SandboxFinished("success", time.Millisecond)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestRecordInvocation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordInvocation("Fetch", "success", 10*time.Millisecond)
	m.RecordInvocation("Fetch", "timeout", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues("Fetch", "timeout")))
	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalInvocations)
	assert.Equal(t, int64(1), snap.TotalTimeouts)
}

func TestPendingCallsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.AddPendingCalls(3)
	m.AddPendingCalls(-2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingCalls))
	assert.Equal(t, int64(1), m.Snapshot().PendingCalls)
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/health", "200")))
}
