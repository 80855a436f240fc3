package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionsExpired     prometheus.Counter

	agentSelectedTotal *prometheus.CounterVec

	subprocessTotal    *prometheus.CounterVec
	subprocessDuration *prometheus.HistogramVec
	subprocessLive     prometheus.Gauge
	transcriptionTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			requestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_total",
					Help: "Total HTTP requests by endpoint and status.",
				},
				[]string{"endpoint", "status"},
			),
			requestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "request_duration_seconds",
					Help:    "Request handling duration in seconds by endpoint.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"endpoint"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionsExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_expired_total",
					Help: "Total sessions replaced after hard expiry.",
				},
			),
			agentSelectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_selected_total",
					Help: "Total router selections by agent.",
				},
				[]string{"agent"},
			),
			subprocessTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "subprocess_total",
					Help: "Total subprocess invocations by tier and status.",
				},
				[]string{"tier", "status"},
			),
			subprocessDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "subprocess_duration_seconds",
					Help:    "Subprocess execution duration in seconds by tier.",
					Buckets: []float64{1, 5, 15, 60, 120, 300, 540, 1200, 3600},
				},
				[]string{"tier"},
			),
			subprocessLive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "subprocess_live",
					Help: "Currently running subprocess count.",
				},
			),
			transcriptionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "transcription_total",
					Help: "Total transcriptions by backend and status.",
				},
				[]string{"backend", "status"},
			),
		}

		prometheus.MustRegister(
			m.requestTotal,
			m.requestDuration,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionsExpired,
			m.agentSelectedTotal,
			m.subprocessTotal,
			m.subprocessDuration,
			m.subprocessLive,
			m.transcriptionTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRequest(endpoint, status string, duration time.Duration) {
	m := getMetrics()
	m.requestTotal.WithLabelValues(endpoint, status).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionExpired() {
	m := getMetrics()
	m.sessionsExpired.Inc()
}

func RecordAgentSelected(agent string) {
	m := getMetrics()
	m.agentSelectedTotal.WithLabelValues(agent).Inc()
}

func RecordSubprocess(tier, status string, duration time.Duration) {
	m := getMetrics()
	m.subprocessTotal.WithLabelValues(tier, status).Inc()
	m.subprocessDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

func SetSubprocessLive(count int) {
	m := getMetrics()
	m.subprocessLive.Set(float64(count))
}

func AddSubprocessLive(delta int) {
	m := getMetrics()
	m.subprocessLive.Add(float64(delta))
}

func RecordTranscription(backend string, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.transcriptionTotal.WithLabelValues(backend, status).Inc()
}
