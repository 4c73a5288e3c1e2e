package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSuccessRateWithNoSessions(t *testing.T) {
	s := New(prometheus.NewRegistry())
	snap := s.Snapshot()
	assert.Equal(t, 100.0, snap.SessionStartSuccessRate)
}

func TestSnapshotSuccessRateMixed(t *testing.T) {
	s := New(prometheus.NewRegistry())
	s.RecordSessionStarted()
	s.RecordSessionStarted()
	s.RecordSessionStarted()
	s.RecordSessionFailed("android", "NoPortsAvailable")

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.SessionsStartedTotal)
	assert.Equal(t, uint64(1), snap.SessionsFailedTotal)
	assert.InDelta(t, 75.0, snap.SessionStartSuccessRate, 0.001)
	assert.Equal(t, uint64(1), snap.SessionFailureReasons["NoPortsAvailable"])
}

func TestPluginCountersKeyedPerInstance(t *testing.T) {
	s := New(prometheus.NewRegistry())
	s.RecordPluginUnhealthy("appium:device-1")
	s.RecordPluginUnhealthy("appium:device-1")
	s.RecordPluginRestart("appium:device-1")

	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.PluginUnhealthyTotal["appium:device-1"])
	require.Equal(t, uint64(1), snap.PluginRestartTotal["appium:device-1"])
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := New(prometheus.NewRegistry())
	s.RecordSessionFailed("ios", "LaunchFailed")

	snap := s.Snapshot()
	snap.SessionFailureReasons["LaunchFailed"] = 999

	snap2 := s.Snapshot()
	assert.Equal(t, uint64(1), snap2.SessionFailureReasons["LaunchFailed"])
}

func TestConcurrentRecordsAreRaceFree(t *testing.T) {
	s := New(prometheus.NewRegistry())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordSessionStarted()
			s.RecordPluginUnhealthy("p1")
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, uint64(50), snap.SessionsStartedTotal)
	assert.Equal(t, uint64(50), snap.PluginUnhealthyTotal["p1"])
}
