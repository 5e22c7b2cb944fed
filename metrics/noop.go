package metrics

type NoopMetrics struct{}

func (NoopMetrics) AddUptime(float64)             {}
func (NoopMetrics) IncSubmitted(string)           {}
func (NoopMetrics) IncOutcome(string, string)     {}
func (NoopMetrics) IncReceiptPoll(string, string) {}
func (NoopMetrics) IncEstimationFallback(string)  {}
func (NoopMetrics) IncSponsorship(string, string) {}
func (NoopMetrics) ObserveStage(string, float64)  {}

// Ensure returns m, or a no-op recorder when m is nil.
func Ensure(m Recorder) Recorder {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}
