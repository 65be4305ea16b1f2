package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics covers pipeline consumers: jobs per queue, broker lag and stage transitions.
type WorkerMetrics struct {
	registry registry

	jobTotal         *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobInFlight      *prometheus.GaugeVec
	queueLag         *prometheus.HistogramVec
	stageTransitions *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	r := newRegistry(service)
	return &WorkerMetrics{
		registry:         r,
		jobTotal:         r.counter("worker", "jobs_total", "Handled pipeline jobs by queue and status.", "queue", "status"),
		jobDuration:      r.histogram("worker", "job_duration_seconds", "Pipeline job duration in seconds by queue and status.", durationBuckets, "queue", "status"),
		jobInFlight:      r.gauge("worker", "jobs_in_flight", "Pipeline jobs currently being handled.", "queue"),
		queueLag:         r.histogram("worker", "queue_lag_seconds", "Time a job waited in the broker before a worker picked it up.", durationBuckets, "queue"),
		stageTransitions: r.counter("pipeline", "stage_transitions_total", "Recorded document stage transitions by target stage.", "stage"),
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return m.registry.handler()
}

func (m *WorkerMetrics) StartJob(queue string) {
	m.jobInFlight.WithLabelValues(queue).Inc()
}

func (m *WorkerMetrics) FinishJob(queue string, duration time.Duration, err error) {
	m.jobInFlight.WithLabelValues(queue).Dec()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.jobTotal.WithLabelValues(queue, status).Inc()
	m.jobDuration.WithLabelValues(queue, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(queue string, lag time.Duration) {
	if lag >= 0 {
		m.queueLag.WithLabelValues(queue).Observe(lag.Seconds())
	}
}

// StageTransition counts a recorded stage change. It satisfies the pipeline's stage observer.
func (m *WorkerMetrics) StageTransition(stage string) {
	m.stageTransitions.WithLabelValues(stage).Inc()
}
