package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zerfoo/yolonnx/pkg/benchmark"
)

// Metrics collects per-run measurements in a private registry so they can be
// written to a node-exporter textfile.
type Metrics struct {
	reg *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	graphNodes    prometheus.Gauge
	graphBytes    prometheus.Gauge
	latency       *prometheus.GaugeVec
	fps           prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yolonnx_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"stage"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yolonnx_stage_failures_total",
				Help: "Stages that failed or fell back",
			},
			[]string{"stage"},
		),
		graphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yolonnx_graph_nodes",
			Help: "Number of nodes in the written graph",
		}),
		graphBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yolonnx_graph_bytes",
			Help: "Size of the written graph file",
		}),
		latency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "yolonnx_benchmark_latency_milliseconds",
				Help: "Benchmark latency statistics",
			},
			[]string{"stat"},
		),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yolonnx_benchmark_fps",
			Help: "Benchmark throughput at batch size 1",
		}),
	}
	m.reg.MustRegister(m.stageDuration, m.stageFailures, m.graphNodes, m.graphBytes, m.latency, m.fps)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) observeStage(s Stage, d time.Duration) {
	m.stageDuration.WithLabelValues(string(s)).Observe(d.Seconds())
}

func (m *Metrics) failed(s Stage) { m.stageFailures.WithLabelValues(string(s)).Inc() }

func (m *Metrics) written(nodes int, bytes int64) {
	m.graphNodes.Set(float64(nodes))
	m.graphBytes.Set(float64(bytes))
}

func (m *Metrics) benchmark(r benchmark.Result) {
	m.latency.WithLabelValues("mean").Set(r.MeanMs)
	m.latency.WithLabelValues("p50").Set(r.P50Ms)
	m.latency.WithLabelValues("p90").Set(r.P90Ms)
	m.latency.WithLabelValues("min").Set(r.MinMs)
	m.latency.WithLabelValues("max").Set(r.MaxMs)
	m.fps.Set(r.FPS)
}

// WriteTextfile writes all metrics in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
