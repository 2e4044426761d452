// Package metrics holds the Prometheus collectors for generation jobs. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	dispatched    *prometheus.CounterVec
	finished      *prometheus.CounterVec
	refunds       *prometheus.CounterVec
	refundCredits prometheus.Counter
	webhooks      *prometheus.CounterVec
	transcode     *prometheus.HistogramVec
	sweepJobs     *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motiongif",
			Name:      "jobs_dispatched_total",
			Help:      "Generation jobs submitted to a provider, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motiongif",
			Name:      "jobs_finished_total",
			Help:      "Generation jobs that reached a terminal state.",
		}, []string{"provider", "status"}),
		refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motiongif",
			Name:      "refunds_total",
			Help:      "Refunds applied to failed jobs, by stage.",
		}, []string{"stage"}),
		refundCredits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "motiongif",
			Name:      "refunded_credits_total",
			Help:      "Credits returned to accounts.",
		}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motiongif",
			Name:      "webhooks_total",
			Help:      "Inbound provider webhooks, by provider and result.",
		}, []string{"provider", "result"}),
		transcode: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "motiongif",
			Name:      "transcode_duration_seconds",
			Help:      "Time spent converting a video to GIF.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"result"}),
		sweepJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motiongif",
			Name:      "sweep_jobs_total",
			Help:      "Jobs examined by the polling sweep, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "motiongif",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweep tick.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Dispatched(mode, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Finished(provider, status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) Refunded(stage string, credits int) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(stage).Inc()
	m.refundCredits.Add(float64(credits))
}

func (m *Metrics) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) Transcoded(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.transcode.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) Swept(outcome string) {
	if m == nil {
		return
	}
	m.sweepJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SweepTook(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
