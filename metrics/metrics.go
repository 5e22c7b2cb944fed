package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the user operation pipeline reports to. A nil Recorder
// is never passed around; use Ensure.
type Recorder interface {
	AddUptime(float64)

	IncSubmitted(provider string)
	IncOutcome(provider, state string)
	IncReceiptPoll(provider, result string)
	IncEstimationFallback(provider string)
	IncSponsorship(provider, outcome string)
	ObserveStage(stage string, seconds float64)
}

// LifecycleMetrics contains instrumented metrics for the gasless relayer
type LifecycleMetrics struct {
	uptime prometheus.Counter

	numSubmitted          *prometheus.CounterVec
	numOutcomes           *prometheus.CounterVec
	numReceiptPolls       *prometheus.CounterVec
	numEstimationFallback *prometheus.CounterVec
	numSponsorship        *prometheus.CounterVec
	stageDuration         *prometheus.HistogramVec
}

const apNamespace = "ap"

func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	return &LifecycleMetrics{
		uptime: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "uptime_milliseconds_total",
				Help:      "The elapse time in milliseconds since the relayer is booted",
			}),

		numSubmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_submitted_total",
				Help:      "The number of user operations accepted by a bundler",
			}, []string{"provider"}),

		numOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_terminal_total",
				Help:      "The number of user operations reaching a terminal state",
			}, []string{"provider", "state"}),

		numReceiptPolls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "receipt_polls_total",
				Help:      "The number of receipt poll attempts. A growing error share means the bundler is flaky",
			}, []string{"provider", "result"}),

		numEstimationFallback: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "gas_estimation_fallback_total",
				Help:      "The number of times the fixed gas fallback replaced a failed bundler estimation",
			}, []string{"provider"}),

		numSponsorship: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "sponsorship_total",
				Help:      "Sponsorship negotiation outcomes",
			}, []string{"provider", "outcome"}),

		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "pipeline_stage_seconds",
				Help:      "Latency of each user operation pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			}, []string{"stage"}),
	}
}

func (m *LifecycleMetrics) AddUptime(total float64) {
	m.uptime.Add(total)
}

func (m *LifecycleMetrics) IncSubmitted(provider string) {
	m.numSubmitted.WithLabelValues(provider).Inc()
}

func (m *LifecycleMetrics) IncOutcome(provider, state string) {
	m.numOutcomes.WithLabelValues(provider, state).Inc()
}

func (m *LifecycleMetrics) IncReceiptPoll(provider, result string) {
	m.numReceiptPolls.WithLabelValues(provider, result).Inc()
}

func (m *LifecycleMetrics) IncEstimationFallback(provider string) {
	m.numEstimationFallback.WithLabelValues(provider).Inc()
}

func (m *LifecycleMetrics) IncSponsorship(provider, outcome string) {
	m.numSponsorship.WithLabelValues(provider, outcome).Inc()
}

func (m *LifecycleMetrics) ObserveStage(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}
