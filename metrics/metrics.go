// Package metrics exposes delivery counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mczdsm/HVlocalsmtp/intake"
)

var (
	metricDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvlocalsmtp_deliveries_total",
			Help: "Completed SMTP deliveries by outcome: accept, permanent_reject, temporary_reject.",
		},
		[]string{"outcome"},
	)
	metricStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvlocalsmtp_attachments_stored_total",
			Help: "Attachments written to recipient folders, by content type.",
		},
		[]string{"content_type"},
	)
	metricSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hvlocalsmtp_attachments_skipped_total",
			Help: "Attachments not stored, by reason.",
		},
		[]string{"reason"},
	)
	metricStoredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hvlocalsmtp_stored_bytes_total",
			Help: "Bytes written to recipient folders.",
		},
	)
	metricDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hvlocalsmtp_delivery_duration_seconds",
			Help:    "Time from end of DATA to the delivery decision.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
	)
)

// ObserveDelivery records the result of one pipeline run.
func ObserveDelivery(res intake.Result, elapsed time.Duration) {
	metricDeliveries.WithLabelValues(res.Outcome.String()).Inc()
	metricDuration.Observe(elapsed.Seconds())

	for _, f := range res.Report.Stored {
		metricStored.WithLabelValues(f.ContentType).Inc()
		metricStoredBytes.Add(float64(f.Size))
	}
	for _, s := range res.Report.Skipped {
		metricSkipped.WithLabelValues(string(s.Reason)).Inc()
	}
}

// ObserveOversize counts a message refused for exceeding the DATA limit.
func ObserveOversize() {
	metricDeliveries.WithLabelValues(intake.PermanentReject.String()).Inc()
}

// Server serves /metrics on its own listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Listen binds addr and prepares the /metrics handler. Serving starts with Serve.
func Listen(addr string, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: log,
	}, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.log.Info("metrics listener started", zap.String("addr", s.ln.Addr().String()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
