// Package monitoring exposes Prometheus metrics and a health endpoint on
// a dedicated listener, separate from the S3 API.
package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/pkg/accesslog"
)

// Metrics holds the request instrumentation collectors.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	bytesSent       prometheus.Counter
	registry        *prometheus.Registry
}

// NewMetrics creates and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lamina",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lamina",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lamina",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lamina",
			Subsystem: "http",
			Name:      "response_bytes_total",
			Help:      "Total response body bytes sent.",
		}),
	}
}

// Middleware instruments the wrapped handler.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		start := time.Now()
		rw := accesslog.NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.StatusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.bytesSent.Add(float64(rw.BytesWritten))
	})
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Server runs the monitoring listener.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
}

// NewServer creates a monitoring server on addr.
func NewServer(addr string, metrics *Metrics, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: metrics.Handler(),
		},
		logger: logger,
	}
}

// Start serves until Shutdown. It returns once the listener stops.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.srv.Addr).Info("monitoring listener started")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
