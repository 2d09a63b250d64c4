// Package metrics owns the orchestrator's Prometheus registry.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics holds every collector the daemon exports
type Metrics struct {
	registry *prometheus.Registry

	stageDuration  *prometheus.HistogramVec
	stageRetries   *prometheus.CounterVec
	fanoutInFlight *prometheus.GaugeVec
	executions     *prometheus.CounterVec
	triggerObjects *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	bestEffort     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpBytesIn  *prometheus.CounterVec
	httpBytesOut *prometheus.CounterVec

	hostCPU    prometheus.Gauge
	hostMemory prometheus.Gauge
}

// New creates a Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Wall-clock duration of a pipeline stage including retries",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
			},
			[]string{"stage", "outcome"},
		),
		stageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_retries_total",
				Help: "Worker invocations retried after a transient failure",
			},
			[]string{"stage"},
		),
		fanoutInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_fanout_in_flight",
				Help: "Fan-out items currently being processed",
			},
			[]string{"stage"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_executions_finished_total",
				Help: "Executions that reached a terminal status",
			},
			[]string{"status"},
		),
		triggerObjects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_trigger_objects_total",
				Help: "Storage objects seen by the trigger, by outcome",
			},
			[]string{"outcome"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_reconciler_events_total",
				Help: "Terminal events handled by the reconciler",
			},
			[]string{"status", "result"},
		),
		bestEffort: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_best_effort_failures_total",
				Help: "Swallowed failures of non-critical side effects",
			},
			[]string{"operation"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_http_requests_total",
				Help: "HTTP requests served by the API",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpBytesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_http_request_bytes_total",
				Help: "Total bytes received in HTTP requests",
			},
			[]string{"method", "endpoint"},
		),
		httpBytesOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_http_response_bytes_total",
				Help: "Total bytes sent in HTTP responses",
			},
			[]string{"method", "endpoint", "status"},
		),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_host_cpu_percent",
			Help: "Host CPU utilisation sampled by the orchestrator",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_host_memory_used_percent",
			Help: "Host memory utilisation sampled by the orchestrator",
		}),
	}

	m.registry.MustRegister(
		m.stageDuration, m.stageRetries, m.fanoutInFlight, m.executions,
		m.triggerObjects, m.reconciled, m.bestEffort,
		m.httpRequests, m.httpBytesIn, m.httpBytesOut,
		m.hostCPU, m.hostMemory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Register adds an extra collector, e.g. a StoreCollector
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.registry.Register(c)
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Pipeline recorder

func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(stage string) {
	m.stageRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) AddInFlight(stage string, delta int) {
	m.fanoutInFlight.WithLabelValues(stage).Add(float64(delta))
}

func (m *Metrics) IncExecution(status string) {
	m.executions.WithLabelValues(status).Inc()
}

// Trigger and reconciler recorders

func (m *Metrics) IncTriggerObject(outcome string) {
	m.triggerObjects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncReconciled(status, result string) {
	m.reconciled.WithLabelValues(status, result).Inc()
}

func (m *Metrics) IncBestEffortFailure(operation string) {
	m.bestEffort.WithLabelValues(operation).Inc()
}

// RunHostSampler samples host CPU and memory until ctx is done
func (m *Metrics) RunHostSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.sampleHost(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleHost(ctx context.Context) {
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.hostCPU.Set(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.hostMemory.Set(vm.UsedPercent)
	}
}

// WriteText writes every metric family in text exposition format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Value sums every series of a counter or gauge family whose labels include
// the given pairs. Missing families read as zero.
func (m *Metrics) Value(name string, labels map[string]string) float64 {
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return sumFamily(mf, labels)
		}
	}
	return 0
}

func sumFamily(mf *dto.MetricFamily, labels map[string]string) float64 {
	total := 0.0
	for _, metric := range mf.GetMetric() {
		if !hasLabels(metric, labels) {
			continue
		}
		switch {
		case metric.GetCounter() != nil:
			total += metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			total += metric.GetGauge().GetValue()
		case metric.GetHistogram() != nil:
			total += float64(metric.GetHistogram().GetSampleCount())
		}
	}
	return total
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
