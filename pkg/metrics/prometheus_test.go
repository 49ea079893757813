package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrometheusCollector_StateTransitions tests state transition metrics
func TestPrometheusCollector_StateTransitions(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.StateTransition("NotStarted", "Launching")
	pc.StateTransition("Launching", "Ready")
	pc.StateTransition("Launching", "Ready")

	expected := `
		# HELP test_instance_state_transitions_total Total number of engine instance state transitions
		# TYPE test_instance_state_transitions_total counter
		test_instance_state_transitions_total{from_state="Launching",to_state="Ready"} 2
		test_instance_state_transitions_total{from_state="NotStarted",to_state="Launching"} 1
	`
	err := testutil.GatherAndCompare(pc.Registry(), strings.NewReader(expected), "test_instance_state_transitions_total")
	assert.NoError(t, err)
}

func TestPrometheusCollector_Pool(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.InstancesLive(3)
	pc.AllocationError("NO_CAPACITY")
	pc.AllocationError("NO_CAPACITY")

	assert.Equal(t, 3.0, testutil.ToFloat64(pc.instancesLive))
	assert.Equal(t, 2.0, testutil.ToFloat64(pc.allocationErrors.WithLabelValues("NO_CAPACITY")))
}

func TestPrometheusCollector_Bridge(t *testing.T) {
	pc := NewPrometheusCollector("")

	pc.ConnectRetry()
	pc.HandshakeBusy()
	pc.HandshakeBusy()
	pc.StepDuration(10*time.Millisecond, true)
	pc.StepDuration(20*time.Millisecond, false)
	pc.LaunchDuration(30*time.Second, errors.New("exited"))
	pc.Reap(4, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(pc.connectRetries))
	assert.Equal(t, 2.0, testutil.ToFloat64(pc.handshakeBusy))
	assert.Equal(t, 4.0, testutil.ToFloat64(pc.reapedProcesses))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.reapSurvivors))

	count, err := testutil.GatherAndCount(pc.Registry(), "simbridge_bridge_step_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOrNoop(t *testing.T) {
	c := OrNoop(nil)
	require.NotNil(t, c)
	c.StepDuration(time.Second, true)

	pc := NewPrometheusCollector("x")
	assert.Same(t, pc, OrNoop(pc))
}
