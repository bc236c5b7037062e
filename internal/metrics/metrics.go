package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Matchmaking records what the scheduler and lobby manager do.
type Matchmaking interface {
	QueueDepth(waiting int)
	ObservePass(elapsed time.Duration, candidates int)
	AddPairs(n int)
	AddRollback(reason string)
	AddEntitlementFailure()
	AddAbandoned(reason string)
	AddSwept(n int)
}

func NewMetrics(registry prometheus.Registerer) Matchmaking {
	return setupPrometheusMetrics(registry)
}

type noopMetrics struct{}

func (noopMetrics) QueueDepth(int) {}
func (noopMetrics) ObservePass(time.Duration, int) {}
func (noopMetrics) AddPairs(int) {}
func (noopMetrics) AddRollback(string) {}
func (noopMetrics) AddEntitlementFailure() {}
func (noopMetrics) AddAbandoned(string) {}
func (noopMetrics) AddSwept(int) {}

// NewNoop returns a Matchmaking that records nothing.
func NewNoop() Matchmaking {
	return noopMetrics{}
}
