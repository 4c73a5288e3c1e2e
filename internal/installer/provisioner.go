package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/devicefarmd/agent/internal/process"
)

// Provisioner wraps the opaque external installer executable. The core never interprets
// its output beyond exit code.
type Provisioner struct {
	Executable string
	Args       []string
	Dir        string
	Timeout    time.Duration
}

// Run invokes the provisioner and returns an error iff it exits non-zero,
// times out, or cannot be launched.
func (p Provisioner) Run(ctx context.Context) error {
	code, timedOut, err := process.Run(ctx, process.Spec{
		Executable: p.Executable,
		Args:       p.Args,
		Dir:        p.Dir,
	}, p.Timeout)
	if err != nil {
		return fmt.Errorf("running provisioner: %w", err)
	}
	if timedOut {
		return fmt.Errorf("provisioner timed out after %s", p.Timeout)
	}
	if code != 0 {
		return fmt.Errorf("provisioner exited with code %d", code)
	}
	return nil
}
