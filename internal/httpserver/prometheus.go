package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/sampler"
)

const metricsNamespace = "gpumon"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(s.wsCollectors()...)
	if collector := newGPUMetricsCollector(s.telemetry); collector != nil {
		registry.MustRegister(collector)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func (s *Server) wsCollectors() []prometheus.Collector {
	counter := func(name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		}, value)
	}
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 { return float64(s.wsActive.Load()) }),
		counter("connections_total", "Total WebSocket connections accepted since start.",
			func() float64 { return float64(s.wsTotal.Load()) }),
		counter("rejected_total", "Total WebSocket connection attempts rejected due to capacity.",
			func() float64 { return float64(s.wsRejected.Load()) }),
		counter("messages_sent_total", "Total WebSocket messages sent to clients.",
			func() float64 { return float64(s.wsSent.Load()) }),
		counter("messages_dropped_total", "Total WebSocket messages dropped due to backpressure.",
			func() float64 { return float64(s.wsDropped.Load()) }),
	}
}

// gpuMetricsCollector exports the latest snapshot at scrape time.
type gpuMetricsCollector struct {
	telemetry Telemetry
	info      *prometheus.Desc
	failures  *prometheus.Desc
	processes *prometheus.Desc
	metrics   []gpuMetric
}

type gpuMetric struct {
	desc    *prometheus.Desc
	extract func(sample monitor.Sample) float64
}

func newGPUMetricsCollector(telemetry Telemetry) *gpuMetricsCollector {
	if telemetry == nil || !telemetry.Available() {
		return nil
	}

	labels := []string{"backend"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", name), help, labels, nil)
	}

	return &gpuMetricsCollector{
		telemetry: telemetry,
		info: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", "info"),
			"Static description of the monitored GPU.",
			[]string{"backend", "name", "uuid", "driver_version", "firmware_version"},
			nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "sampler", "failures_total"),
			"Total polls that failed to read a required metric.",
			labels, nil,
		),
		processes: desc("processes", "Number of processes holding GPU memory."),
		metrics: []gpuMetric{
			{desc("utilization_percent", "Current GPU utilization percentage."),
				func(s monitor.Sample) float64 { return s.Utilization }},
			{desc("memory_used_bytes", "Current device memory usage in bytes."),
				func(s monitor.Sample) float64 { return s.MemoryUsedGiB * (1 << 30) }},
			{desc("memory_total_bytes", "Total device memory in bytes."),
				func(s monitor.Sample) float64 { return s.MemoryTotalGiB * (1 << 30) }},
			{desc("temperature_celsius", "Current GPU temperature in Celsius."),
				func(s monitor.Sample) float64 { return float64(s.TemperatureC) }},
			{desc("graphics_clock_mhz", "Current graphics clock in MHz."),
				func(s monitor.Sample) float64 { return float64(s.GraphicsClockMHz) }},
			{desc("memory_clock_mhz", "Current memory clock in MHz."),
				func(s monitor.Sample) float64 { return float64(s.MemoryClockMHz) }},
			{desc("power_watts", "Current GPU power draw in Watts."),
				func(s monitor.Sample) float64 { return s.PowerUsageW }},
			{desc("power_limit_watts", "Configured GPU power limit in Watts."),
				func(s monitor.Sample) float64 { return s.PowerLimitW }},
			{desc("fan_speed_percent", "Current fan speed percentage."),
				func(s monitor.Sample) float64 { return float64(s.FanSpeedPct) }},
			{desc("pcie_tx_mibps", "PCIe transmit throughput in MiB/s."),
				func(s monitor.Sample) float64 { return s.PCIeTxMiBps }},
			{desc("pcie_rx_mibps", "PCIe receive throughput in MiB/s."),
				func(s monitor.Sample) float64 { return s.PCIeRxMiBps }},
		},
	}
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.failures
	ch <- c.processes
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- sampleAgeDesc
}

var sampleAgeDesc = prometheus.NewDesc(
	prometheus.BuildFQName(metricsNamespace, "gpu", "sample_age_seconds"),
	"Seconds elapsed since the latest GPU snapshot was collected.",
	[]string{"backend"}, nil,
)

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	backend := c.telemetry.Backend()

	if info, ok := c.telemetry.StaticInfo(); ok {
		ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
			backend, info.Name, info.UUID, info.DriverVersion, info.FirmwareVersion)
	}
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue,
		float64(c.telemetry.Failures()), backend)

	snapshot, ok := c.telemetry.Latest()
	if !ok {
		return
	}
	for _, metric := range c.metrics {
		ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, metric.extract(snapshot.Metrics), backend)
	}
	ch <- prometheus.MustNewConstMetric(c.processes, prometheus.GaugeValue, float64(len(snapshot.Processes)), backend)
	ch <- prometheus.MustNewConstMetric(sampleAgeDesc, prometheus.GaugeValue, snapshotAge(snapshot), backend)
}

func snapshotAge(snapshot sampler.Snapshot) float64 {
	age := time.Since(snapshot.CollectedAt).Seconds()
	if age < 0 {
		return 0
	}
	return age
}
