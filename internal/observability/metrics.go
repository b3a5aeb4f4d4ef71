package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vtcast"

// Metrics holds the Prometheus collectors for the streaming core.
// Every component records into the same private registry.
type Metrics struct {
	registry *prometheus.Registry

	framesRendered  prometheus.Counter
	framesDropped   *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	renderFPS       prometheus.Gauge
	assetRenderErrs prometheus.Counter
	ticksSkipped    prometheus.Counter

	encoderFPS      prometheus.Gauge
	encoderBitrate  prometheus.Gauge
	encoderCPU      prometheus.Gauge
	encoderMemory   prometheus.Gauge
	encoderState    prometheus.Gauge
	encoderRestarts prometheus.Counter

	muxerActiveOutputs prometheus.Gauge
	muxerQueueDepth    prometheus.Gauge
	muxerOutputErrors  *prometheus.CounterVec
	muxerBytesSent     *prometheus.CounterVec

	poolWorkers         prometheus.Gauge
	poolBusyWorkers     prometheus.Gauge
	poolQueueDepth      prometheus.Gauge
	poolQueueByPriority *prometheus.GaugeVec
	poolAvgProcessing   prometheus.Gauge
	poolTaskDuration    *prometheus.HistogramVec
	poolTasksRejected   prometheus.Counter
	poolWorkerCrashes   prometheus.Counter

	rtmpConnections    prometheus.Gauge
	rtmpPublishes      *prometheus.CounterVec
	streamKeyValidated *prometheus.CounterVec

	hostCPU    prometheus.Gauge
	hostMemory prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		framesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "render",
			Name: "frames_total",
			Help: "Total number of frames composited",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline",
			Name: "frames_dropped_total",
			Help: "Frames dropped by stage and reason",
		}, []string{"stage", "reason"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "render",
			Name:    "scene_duration_seconds",
			Help:    "Time spent compositing one scene",
			Buckets: []float64{.001, .0025, .005, .01, .02, .033, .05, .1, .25},
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "render",
			Name: "ticks_skipped_total",
			Help: "Frame loop ticks skipped because the previous frame overran",
		}),
		renderFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "render",
			Name: "fps",
			Help: "Achieved frames per second of the frame loop",
		}),
		assetRenderErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "render",
			Name: "asset_errors_total",
			Help: "Assets skipped because they failed to render",
		}),
		encoderFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder",
			Name: "fps",
			Help: "Encoder reported frames per second",
		}),
		encoderBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder",
			Name: "bitrate_kbps",
			Help: "Encoder reported output bitrate in kbit/s",
		}),
		encoderCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder",
			Name: "cpu_percent",
			Help: "CPU usage of the encoder process",
		}),
		encoderMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder",
			Name: "memory_bytes",
			Help: "Resident memory of the encoder process",
		}),
		encoderState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encoder",
			Name: "state",
			Help: "Encoder state (0 stopped, 1 starting, 2 streaming, 3 error, 4 restarting)",
		}),
		encoderRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "encoder",
			Name: "restarts_total",
			Help: "Encoder subprocess restarts",
		}),
		muxerActiveOutputs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "muxer",
			Name: "active_outputs",
			Help: "Number of active output targets",
		}),
		muxerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "muxer",
			Name: "queue_depth",
			Help: "Packets waiting in the muxer queue",
		}),
		muxerOutputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "muxer",
			Name: "output_errors_total",
			Help: "Send failures per output",
		}, []string{"output"}),
		muxerBytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "muxer",
			Name: "output_bytes_total",
			Help: "Payload bytes delivered per output",
		}, []string{"output"}),
		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "workers",
			Help: "Number of live workers",
		}),
		poolBusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "busy_workers",
			Help: "Number of workers currently executing a task",
		}),
		poolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		poolQueueByPriority: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "queue_depth_by_priority",
			Help: "Tasks waiting for a worker by priority tier",
		}, []string{"priority"}),
		poolAvgProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "average_processing_seconds",
			Help: "Mean task processing time across all workers",
		}),
		poolTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name:    "task_duration_seconds",
			Help:    "Task processing time by kind",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"kind"}),
		poolTasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "tasks_rejected_total",
			Help: "Tasks rejected because the queue was full",
		}),
		poolWorkerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workerpool",
			Name: "worker_crashes_total",
			Help: "Workers replaced after a crash",
		}),
		rtmpConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rtmp",
			Name: "connections",
			Help: "Open inbound RTMP connections",
		}),
		rtmpPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rtmp",
			Name: "publish_attempts_total",
			Help: "Inbound publish attempts by result",
		}, []string{"result"}),
		streamKeyValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streamkey",
			Name: "validations_total",
			Help: "Stream key validations by result",
		}, []string{"result"}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host",
			Name: "cpu_percent",
			Help: "Host CPU utilisation",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host",
			Name: "memory_used_percent",
			Help: "Host memory utilisation",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesRendered, m.framesDropped, m.renderDuration, m.renderFPS, m.assetRenderErrs, m.ticksSkipped,
		m.encoderFPS, m.encoderBitrate, m.encoderCPU, m.encoderMemory, m.encoderState, m.encoderRestarts,
		m.muxerActiveOutputs, m.muxerQueueDepth, m.muxerOutputErrors, m.muxerBytesSent,
		m.poolWorkers, m.poolBusyWorkers, m.poolQueueDepth, m.poolQueueByPriority,
		m.poolAvgProcessing, m.poolTaskDuration, m.poolTasksRejected, m.poolWorkerCrashes,
		m.rtmpConnections, m.rtmpPublishes, m.streamKeyValidated,
		m.hostCPU, m.hostMemory,
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// refresh is called before each scrape to copy component snapshots into gauges.
func (m *Metrics) Handler(refresh func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, r)
	})
}

// ObserveRender records one composited scene.
func (m *Metrics) ObserveRender(d time.Duration) {
	m.framesRendered.Inc()
	m.renderDuration.Observe(d.Seconds())
}

// IncAssetErrors counts an asset skipped during compositing.
func (m *Metrics) IncAssetErrors() {
	m.assetRenderErrs.Inc()
}

// SetRenderFPS sets the achieved frame loop rate.
func (m *Metrics) SetRenderFPS(fps float64) {
	m.renderFPS.Set(fps)
}

// AddTicksSkipped counts frame loop ticks lost to an overrunning frame.
func (m *Metrics) AddTicksSkipped(n int) {
	m.ticksSkipped.Add(float64(n))
}

// IncFramesDropped counts a frame dropped at stage for reason.
func (m *Metrics) IncFramesDropped(stage, reason string) {
	m.framesDropped.WithLabelValues(stage, reason).Inc()
}

// SetEncoderTelemetry records values parsed from encoder progress output.
func (m *Metrics) SetEncoderTelemetry(fps, bitrateKbps float64) {
	m.encoderFPS.Set(fps)
	m.encoderBitrate.Set(bitrateKbps)
}

// SetEncoderProcess records encoder process resource usage.
func (m *Metrics) SetEncoderProcess(cpuPercent float64, rssBytes uint64) {
	m.encoderCPU.Set(cpuPercent)
	m.encoderMemory.Set(float64(rssBytes))
}

// SetEncoderState records the numeric encoder state.
func (m *Metrics) SetEncoderState(state int) {
	m.encoderState.Set(float64(state))
}

// IncEncoderRestarts counts an encoder restart.
func (m *Metrics) IncEncoderRestarts() {
	m.encoderRestarts.Inc()
}

// SetMuxer records muxer gauges.
func (m *Metrics) SetMuxer(activeOutputs, queueDepth int) {
	m.muxerActiveOutputs.Set(float64(activeOutputs))
	m.muxerQueueDepth.Set(float64(queueDepth))
}

// IncOutputErrors counts a failed send to output.
func (m *Metrics) IncOutputErrors(output string) {
	m.muxerOutputErrors.WithLabelValues(output).Inc()
}

// AddOutputBytes counts payload bytes delivered to output.
func (m *Metrics) AddOutputBytes(output string, n int) {
	m.muxerBytesSent.WithLabelValues(output).Add(float64(n))
}

// PoolSnapshot carries worker pool gauges.
type PoolSnapshot struct {
	Workers               int
	BusyWorkers           int
	QueueDepth            int
	QueueByPriority       map[string]int
	AverageProcessingTime time.Duration
}

// SetPool records worker pool gauges.
func (m *Metrics) SetPool(s PoolSnapshot) {
	m.poolWorkers.Set(float64(s.Workers))
	m.poolBusyWorkers.Set(float64(s.BusyWorkers))
	m.poolQueueDepth.Set(float64(s.QueueDepth))
	for priority, n := range s.QueueByPriority {
		m.poolQueueByPriority.WithLabelValues(priority).Set(float64(n))
	}
	m.poolAvgProcessing.Set(s.AverageProcessingTime.Seconds())
}

// ObserveTask records a finished pool task.
func (m *Metrics) ObserveTask(kind string, d time.Duration) {
	m.poolTaskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncTasksRejected counts a task rejected by the pool.
func (m *Metrics) IncTasksRejected() {
	m.poolTasksRejected.Inc()
}

// IncWorkerCrashes counts a replaced worker.
func (m *Metrics) IncWorkerCrashes() {
	m.poolWorkerCrashes.Inc()
}

// AddRTMPConnections adjusts the open RTMP connection gauge.
func (m *Metrics) AddRTMPConnections(delta int) {
	m.rtmpConnections.Add(float64(delta))
}

// IncPublishAttempts counts an inbound publish by result (accepted, rejected).
func (m *Metrics) IncPublishAttempts(result string) {
	m.rtmpPublishes.WithLabelValues(result).Inc()
}

// IncKeyValidations counts a stream key validation by result.
func (m *Metrics) IncKeyValidations(result string) {
	m.streamKeyValidated.WithLabelValues(result).Inc()
}

// SetHost records host utilisation.
func (m *Metrics) SetHost(cpuPercent, memUsedPercent float64) {
	m.hostCPU.Set(cpuPercent)
	m.hostMemory.Set(memUsedPercent)
}
