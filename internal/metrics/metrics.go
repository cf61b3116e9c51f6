// Package metrics records per-run provisioning metrics and exports them in
// Prometheus textfile-collector format, so a node exporter on the build host
// can pick up batch results.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns the registry for one provisioning run.
type Recorder struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	duration prometheus.Gauge
	exitCode prometheus.Gauge
}

// NewRecorder creates a Recorder with a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagebake_provision_runs_total",
			Help: "Provisioning runs by mode and result",
		}, []string{"mode", "result"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagebake_provision_duration_seconds",
			Help: "Wall clock duration of the last provisioning run",
		}),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagebake_agent_exit_code",
			Help: "Exit code of the last agent run",
		}),
	}
	r.registry.MustRegister(r.runs, r.duration, r.exitCode)
	return r
}

// ObserveRun records the outcome of a provisioning run.
func (r *Recorder) ObserveRun(mode string, success bool, durationSeconds float64, agentExitCode int) {
	result := "failure"
	if success {
		result = "success"
	}
	r.runs.WithLabelValues(mode, result).Inc()
	r.duration.Set(durationSeconds)
	r.exitCode.Set(float64(agentExitCode))
}

// Write dumps the registry to path in textfile-collector format.
func (r *Recorder) Write(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
