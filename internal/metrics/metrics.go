// Package metrics exposes the rebalancer's Prometheus collectors:
//
//	rebalancer_executions_total{side,state}          terminal order outcomes
//	rebalancer_validation_failures_total{check}      failed pre-trade checks
//	rebalancer_transition_retries_total{transition}  retried execution steps
//	rebalancer_trades_used                           ledger trade counter
//	rebalancer_regime{regime}                        active regime (0/1 series)
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the collectors on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	executions         *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	transitionRetries  *prometheus.CounterVec
	tradesUsed         prometheus.Gauge
	regime             *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_executions_total",
				Help: "Orders that reached a terminal execution state",
			},
			[]string{"side", "state"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_validation_failures_total",
				Help: "Failed pre-trade checks",
			},
			[]string{"check"},
		),
		transitionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_transition_retries_total",
				Help: "Failed execution transition attempts",
			},
			[]string{"transition"},
		),
		tradesUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rebalancer_trades_used",
				Help: "Trades counted against the competition limit",
			},
		),
		regime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rebalancer_regime",
				Help: "Active regime as labeled series flipped between 0 and 1",
			},
			[]string{"regime"},
		),
	}
	m.Registry.MustRegister(m.executions, m.validationFailures, m.transitionRetries, m.tradesUsed, m.regime)
	return m
}

// Execution counts one terminal outcome.
func (m *Metrics) Execution(side, state string) {
	m.executions.WithLabelValues(side, state).Inc()
}

// ValidationFailure counts one failed check.
func (m *Metrics) ValidationFailure(check string) {
	m.validationFailures.WithLabelValues(check).Inc()
}

// TransitionRetry counts one failed transition attempt.
func (m *Metrics) TransitionRetry(transition string) {
	m.transitionRetries.WithLabelValues(transition).Inc()
}

// SetTradesUsed mirrors the ledger counter.
func (m *Metrics) SetTradesUsed(n int) {
	m.tradesUsed.Set(float64(n))
}

// SetRegime raises the active regime's series and lowers the others.
func (m *Metrics) SetRegime(active string, all []string) {
	for _, r := range all {
		v := 0.0
		if r == active {
			v = 1
		}
		m.regime.WithLabelValues(r).Set(v)
	}
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
