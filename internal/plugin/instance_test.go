package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstanceInitialState(t *testing.T) {
	disabled := NewInstance("p1", Definition{Enabled: false})
	assert.Equal(t, Disabled, disabled.State())

	enabled := NewInstance("p2", Definition{Enabled: true})
	assert.Equal(t, Idle, enabled.State())
}

func TestStartEmptyExecutableFails(t *testing.T) {
	inst := NewInstance("p1", Definition{Enabled: true, Executable: ""})
	err := inst.Start(context.Background(), Context{})
	require.Error(t, err)
	assert.Equal(t, Failed, inst.State())
}

func TestStartAndStopLifecycle(t *testing.T) {
	inst := NewInstance("p1", Definition{
		Enabled:    true,
		Kind:       KindProcess,
		Executable: "sleep",
		Args:       []string{"5"},
	})

	require.NoError(t, inst.Start(context.Background(), Context{}))
	assert.Equal(t, Running, inst.State())

	inst.Stop(2 * time.Second)
	assert.Equal(t, Stopped, inst.State())
}

func TestStopOnNonRunningIsNoop(t *testing.T) {
	inst := NewInstance("p1", Definition{Enabled: true})
	assert.NotPanics(t, func() {
		inst.Stop(time.Second)
		inst.Stop(time.Second)
	})
	assert.Equal(t, Idle, inst.State())
}

func TestCheckHealthWithoutCommandReflectsChildLiveness(t *testing.T) {
	inst := NewInstance("p1", Definition{
		Enabled:    true,
		Executable: "sleep",
		Args:       []string{"5"},
	})
	require.NoError(t, inst.Start(context.Background(), Context{}))
	assert.True(t, inst.CheckHealth(context.Background()))

	inst.Stop(time.Second)
	assert.False(t, inst.CheckHealth(context.Background()))
}

func TestCheckHealthWithCommand(t *testing.T) {
	inst := NewInstance("p1", Definition{
		Enabled:    true,
		Executable: "sleep",
		Args:       []string{"5"},
		HealthCheck: &HealthCheck{
			Executable:     "true",
			TimeoutSeconds: 2,
		},
	})
	require.NoError(t, inst.Start(context.Background(), Context{}))
	assert.True(t, inst.CheckHealth(context.Background()))
	inst.Stop(time.Second)
}
