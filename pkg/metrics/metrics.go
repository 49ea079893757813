// Package metrics defines the instrumentation surface of the engine bridge.
package metrics

import (
	"time"
)

// Collector defines the interface for collecting bridge metrics
type Collector interface {
	// StateTransition records an engine instance state transition
	StateTransition(from, to string)

	// LaunchDuration records how long an engine took to become ready
	LaunchDuration(duration time.Duration, err error)

	// InstancesLive records the number of instances in the pool
	InstancesLive(n int)

	// AllocationError records a failed pool allocation by error code
	AllocationError(code string)

	// ConnectRetry records a retried connection attempt
	ConnectRetry()

	// HandshakeBusy records a busy reply during the mission handshake
	HandshakeBusy()

	// StepDuration records the round-trip time of one step
	StepDuration(duration time.Duration, success bool)

	// Reap records the outcome of a process tree reap
	Reap(processes int, survivors int)
}

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (noopCollector) StateTransition(from, to string)                   {}
func (noopCollector) LaunchDuration(duration time.Duration, err error)  {}
func (noopCollector) InstancesLive(n int)                               {}
func (noopCollector) AllocationError(code string)                       {}
func (noopCollector) ConnectRetry()                                     {}
func (noopCollector) HandshakeBusy()                                    {}
func (noopCollector) StepDuration(duration time.Duration, success bool) {}
func (noopCollector) Reap(processes int, survivors int)                 {}

// NewNoop creates a no-op collector
func NewNoop() Collector {
	return noopCollector{}
}

// OrNoop returns c, or a no-op collector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return NewNoop()
	}
	return c
}
