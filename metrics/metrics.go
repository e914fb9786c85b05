// Package metrics exports poll and write outcomes of the sauna watcher to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ffes2mqtt/ffes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "ffes"

// Metrics implements watcher.Recorder on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	polls             *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	coilsDegraded     prometheus.Counter
	writes            *prometheus.CounterVec
	available         prometheus.Gauge
	temperatureActual prometheus.Gauge
	temperatureSet    prometheus.Gauge
	status            prometheus.Gauge
	errorCode         prometheus.Gauge
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func New(device string) *Metrics {
	labels := prometheus.Labels{"device": device}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total", Help: "Poll cycles by result.", ConstLabels: labels,
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_duration_seconds", Help: "Time spent on the wire per poll cycle.",
			ConstLabels: labels, Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		coilsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coil_degraded_total", Help: "Poll cycles whose coil block could not be read.", ConstLabels: labels,
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "writes_total", Help: "Writes by address space and result.", ConstLabels: labels,
		}, []string{"space", "result"}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "available", Help: "1 when the last poll succeeded.", ConstLabels: labels,
		}),
		temperatureActual: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "temperature_actual_celsius", Help: "Measured cabin temperature.", ConstLabels: labels,
		}),
		temperatureSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "temperature_set_celsius", Help: "Target cabin temperature.", ConstLabels: labels,
		}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "controller_status", Help: "0 off, 1 heat, 2 vent, 3 standby.", ConstLabels: labels,
		}),
		errorCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "error_code", Help: "Controller error code, 0 when healthy.", ConstLabels: labels,
		}),
	}
	m.Registry.MustRegister(m.polls, m.pollDuration, m.coilsDegraded, m.writes,
		m.available, m.temperatureActual, m.temperatureSet, m.status, m.errorCode)
	return m
}

func (m *Metrics) PollDone(success bool, duration time.Duration) {
	m.polls.WithLabelValues(result(success)).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

func (m *Metrics) CoilsDegraded() {
	m.coilsDegraded.Inc()
}

func (m *Metrics) WriteDone(space string, success bool) {
	m.writes.WithLabelValues(space, result(success)).Inc()
}

// Observe updates the gauges. Device values are only touched on a good poll.
func (m *Metrics) Observe(s ffes.Snapshot, available bool) {
	if !available {
		m.available.Set(0)
		return
	}
	m.available.Set(1)
	m.temperatureActual.Set(float64(s.TemperatureActual))
	m.temperatureSet.Set(float64(s.TemperatureSet))
	m.status.Set(float64(s.ControllerStatus))
	m.errorCode.Set(float64(s.ErrorCode))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listen until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info("serving metrics", zap.String("listen", listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
