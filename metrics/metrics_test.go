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

func TestMetricsRecording(t *testing.T) {
	m := New()

	// Connections
	m.RecordConnection("tcp")
	m.RecordConnection("tcp")
	m.RecordDisconnection("tcp")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("tcp")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("tcp")))

	// Commands
	m.RecordCommand("SET", 2*time.Millisecond)
	m.RecordCommand("SET", time.Millisecond)
	m.RecordError("SET", "SET_ERROR")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CommandsTotal.WithLabelValues("SET")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandErrors.WithLabelValues("SET", "SET_ERROR")))

	// Bytes
	m.RecordBytes(100, 50)
	m.RecordBytes(0, 0)

	assert.Equal(t, float64(100), testutil.ToFloat64(m.BytesReceived))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.BytesSent))
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.TrackDocuments(func() int { return 7 })
	m.RecordConnection("ws")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ussl_connections_total")
	assert.Contains(t, body, "ussl_documents_total 7")
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not clash over series registration.
	a := New()
	b := New()
	a.TrackDocuments(func() int { return 1 })
	b.TrackDocuments(func() int { return 2 })

	a.RecordConnection("tcp")
	assert.Equal(t, float64(1), testutil.ToFloat64(a.ConnectionsTotal.WithLabelValues("tcp")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.ConnectionsTotal.WithLabelValues("tcp")))
}
