package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"

	"ecolift/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so components can be built without one in tests.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Events            *prometheus.CounterVec
	LocationReports   *prometheus.CounterVec
	PushNotifications *prometheus.CounterVec
	Connections       *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecolift_pickup_transitions_total",
				Help: "Pickup lifecycle transitions by outcome",
			},
			[]string{"transition", "outcome"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecolift_realtime_events_total",
				Help: "Real-time events by delivery result (delivered, absent, failed)",
			},
			[]string{"event", "result"},
		),
		LocationReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecolift_location_reports_total",
				Help: "Collector position reports by result",
			},
			[]string{"result"},
		),
		PushNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecolift_push_notifications_total",
				Help: "Offline push notifications by result",
			},
			[]string{"result"},
		),
		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ecolift_realtime_connections",
				Help: "Authenticated live connections per role",
			},
			[]string{"role"},
		),
	}

	reg.MustRegister(
		m.Transitions,
		m.Events,
		m.LocationReports,
		m.PushNotifications,
		m.Connections,
	)
	return m
}

func (m *Metrics) ObserveTransition(transition, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(transition, outcome).Inc()
}

func (m *Metrics) ObserveEvent(event, result string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveLocationReport(result string) {
	if m == nil {
		return
	}
	m.LocationReports.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePush(result string) {
	if m == nil {
		return
	}
	m.PushNotifications.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnections(role string, n int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Set(float64(n))
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	go func() {
		var err error
		if srv.TLSConfig != nil {
			logger.Info("Metrics server starting with TLS", zap.String("addr", addr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
