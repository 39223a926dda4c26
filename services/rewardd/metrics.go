package rewardd

import "vendorvote/observability"

// Metrics aliases the shared rewardd collectors.
type Metrics = observability.RewarddMetrics

// NewMetrics returns the process-wide rewardd metrics.
func NewMetrics() *Metrics {
	return observability.Rewardd()
}
