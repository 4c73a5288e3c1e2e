package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchEmptyExecutableFails(t *testing.T) {
	_, err := Launch(Spec{Executable: ""})
	assert.ErrorIs(t, err, ErrEmptyExecutable)
}

func TestLaunchAndRunningReflectsExit(t *testing.T) {
	h, err := Launch(Spec{Executable: "sleep", Args: []string{"0.2"}})
	require.NoError(t, err)
	assert.True(t, h.Running())

	time.Sleep(500 * time.Millisecond)
	assert.False(t, h.Running())
}

func TestStopIsIdempotentOnExitedHandle(t *testing.T) {
	h, err := Launch(Spec{Executable: "true"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.False(t, h.Running())

	assert.NotPanics(t, func() {
		h.Stop(time.Second)
		h.Stop(time.Second)
	})
}

func TestStopGracefullyTerminatesLongRunningChild(t *testing.T) {
	h, err := Launch(Spec{Executable: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	require.True(t, h.Running())

	start := time.Now()
	h.Stop(2 * time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, h.Running())
}

func TestRunReportsExitCode(t *testing.T) {
	code, timedOut, err := Run(context.Background(), Spec{Executable: "false"}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, 1, code)
}

func TestRunTimesOutAndKillsChild(t *testing.T) {
	_, timedOut, err := Run(context.Background(), Spec{Executable: "sleep", Args: []string{"30"}}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestRunObservesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, _, err := Run(ctx, Spec{Executable: "sleep", Args: []string{"30"}}, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
