// Package metrics exposes the monitor loop's outcomes to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dratasich/waterquality-monitor/quality"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "waterquality"

// Metrics implements quality.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles          prometheus.Counter
	skipped         prometheus.Counter
	publishFailures prometheus.Counter
	sensorFaults    prometheus.Counter
	fetchFailures   *prometheus.CounterVec
	alert           prometheus.Gauge
	calibration     *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Acquire-publish cycles run.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Cycles skipped because the remote store was not ready.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Telemetry writes that failed.",
		}),
		sensorFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_faults_total",
			Help:      "Cycles aborted by a sensor fault.",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_fetch_failures_total",
			Help:      "Calibration reads that failed, by parameter.",
		}, []string{"parameter"}),
		alert: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_active",
			Help:      "1 while the last cycle raised the alert.",
		}),
		calibration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_parameter",
			Help:      "Calibration parameters in use.",
		}, []string{"parameter"}),
	}
	m.registry.MustRegister(
		m.cycles, m.skipped, m.publishFailures, m.sensorFaults,
		m.fetchFailures, m.alert, m.calibration,
	)
	m.setCalibration(quality.DefaultCalibration())
	return m
}

func (m *Metrics) CycleRun(alert bool) {
	m.cycles.Inc()
	m.setAlert(alert)
}

func (m *Metrics) CycleSkipped() { m.skipped.Inc() }

func (m *Metrics) PublishFailed() { m.publishFailures.Inc() }

func (m *Metrics) SensorFault(alert bool) {
	m.sensorFaults.Inc()
	m.setAlert(alert)
}

func (m *Metrics) setAlert(alert bool) {
	if alert {
		m.alert.Set(1)
	} else {
		m.alert.Set(0)
	}
}

func (m *Metrics) CalibrationRefreshed(params quality.CalibrationParameters, result quality.RefreshResult) {
	for parameter := range result.Failed {
		m.fetchFailures.WithLabelValues(parameter).Inc()
	}
	m.setCalibration(params)
}

func (m *Metrics) setCalibration(params quality.CalibrationParameters) {
	m.calibration.WithLabelValues("tdsFactor").Set(params.TDSFactor)
	m.calibration.WithLabelValues("turbOffset").Set(params.TurbidityOffset)
	m.calibration.WithLabelValues("tempOffset").Set(params.TemperatureOffset)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Msgf("Failed to stop metrics server: %s", err)
		}
	}()
	log.Info().Msgf("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ quality.Observer = (*Metrics)(nil)
