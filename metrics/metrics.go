// Package metrics exposes Prometheus collectors for the server and an
// HTTP endpoint that serves them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every collector on a private registry, so independent
// instances never clash over registration.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec

	CommandsTotal   *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	DocumentsCreated prometheus.Counter
	DocumentsDeleted prometheus.Counter

	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter

	SubscriptionsActive prometheus.Gauge
	UpdatesPublished    prometheus.Counter

	RateLimited prometheus.Counter

	Compactions          prometheus.Counter
	CompactionBytesSaved prometheus.Counter
}

// New creates a metrics collector with all series registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ussl_connections_total",
			Help: "Total number of connections",
		}, []string{"transport"}),
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ussl_connections_active",
			Help: "Number of active connections",
		}, []string{"transport"}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ussl_commands_total",
			Help: "Total number of commands processed",
		}, []string{"command"}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ussl_commands_errors_total",
			Help: "Total number of command errors",
		}, []string{"command", "error_type"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ussl_command_duration_seconds",
			Help:    "Command processing duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"command"}),

		DocumentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_documents_created_total",
			Help: "Total documents created",
		}),
		DocumentsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_documents_deleted_total",
			Help: "Total documents deleted",
		}),

		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_bytes_received_total",
			Help: "Total bytes received from clients",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_bytes_sent_total",
			Help: "Total bytes sent to clients",
		}),

		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ussl_subscriptions_active",
			Help: "Number of active subscriptions",
		}),
		UpdatesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_updates_published_total",
			Help: "Total updates published to subscribers",
		}),

		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_rate_limited_requests_total",
			Help: "Total requests rejected due to rate limiting",
		}),

		Compactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_compactions_total",
			Help: "Total document compactions performed",
		}),
		CompactionBytesSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "ussl_compaction_bytes_saved_total",
			Help: "Total bytes saved by compaction",
		}),
	}
}

// TrackDocuments registers a gauge fed by fn, typically the manager's
// live document count.
func (m *Metrics) TrackDocuments(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ussl_documents_total",
		Help: "Total number of documents in memory",
	}, func() float64 {
		return float64(fn())
	}))
}

// RecordConnection counts a new connection on the given transport.
func (m *Metrics) RecordConnection(transport string) {
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
	m.ConnectionsActive.WithLabelValues(transport).Inc()
}

// RecordDisconnection counts a connection closing.
func (m *Metrics) RecordDisconnection(transport string) {
	m.ConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordCommand counts a command execution with its duration.
func (m *Metrics) RecordCommand(command string, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(command).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordError counts a command that produced an error response.
func (m *Metrics) RecordError(command, errorType string) {
	m.CommandErrors.WithLabelValues(command, errorType).Inc()
}

// RecordBytes counts bytes transferred in both directions.
func (m *Metrics) RecordBytes(received, sent int) {
	if received > 0 {
		m.BytesReceived.Add(float64(received))
	}
	if sent > 0 {
		m.BytesSent.Add(float64(sent))
	}
}

// Handler returns the HTTP handler serving the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics and /health until the
// context ends. The root path serves metrics as well.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	handler := m.Handler()

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening",
		zap.String("addr", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
