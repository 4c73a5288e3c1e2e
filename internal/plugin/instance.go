package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/devicefarmd/agent/internal/agenterr"
	"github.com/devicefarmd/agent/internal/process"
)

// State is a PluginInstance's lifecycle state.
type State string

const (
	Disabled   State = "disabled"
	Idle       State = "idle"
	Starting   State = "starting"
	Running    State = "running"
	Stopping   State = "stopping"
	Stopped    State = "stopped"
	Restarting State = "restarting"
	Failed     State = "failed"
)

// Context carries the values a kind's start/health-check need beyond the
// definition itself: the shared install folder and, for device-scoped
// instances, the triggering device.
type Context struct {
	InstallFolder string
	Variables     map[string]string // at least "device", "deviceId" for device-scoped instances
}

// Instance is a PluginInstance: either the definition's singleton (key =
// definition id) or a device-scoped instance (key = "id:deviceId").
type Instance struct {
	Key string
	Def Definition

	mu             sync.Mutex
	state          State
	handle         *process.Handle
	healthFailures int
	restarts       int
	lastError      string
	vars           map[string]string
}

// NewInstance constructs an instance in its definition-determined initial
// state: Disabled if the definition is disabled, Idle otherwise.
func NewInstance(key string, def Definition) *Instance {
	st := Idle
	if !def.Enabled {
		st = Disabled
	}
	return &Instance{Key: key, Def: def, state: st}
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastError
}

func (i *Instance) setLastError(err error) {
	i.mu.Lock()
	if err != nil {
		i.lastError = err.Error()
	}
	i.mu.Unlock()
}

func (i *Instance) Restarts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.restarts
}

// SetVariables records the trigger variables (device/deviceId, for
// device-scoped instances) used to build the instance's last start
// context, so a later restart can reuse them.
func (i *Instance) SetVariables(vars map[string]string) {
	i.mu.Lock()
	i.vars = vars
	i.mu.Unlock()
}

// Variables returns the variables recorded by SetVariables, if any.
func (i *Instance) Variables() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.vars
}

// IncrementHealthFailures records a consecutive health-check failure and
// returns the new count.
func (i *Instance) IncrementHealthFailures() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthFailures++
	return i.healthFailures
}

// ResetHealthFailures clears the consecutive-failure counter after a
// healthy check.
func (i *Instance) ResetHealthFailures() {
	i.mu.Lock()
	i.healthFailures = 0
	i.mu.Unlock()
}

// IncrementRestarts records that a restart attempt was made.
func (i *Instance) IncrementRestarts() {
	i.mu.Lock()
	i.restarts++
	i.mu.Unlock()
}

// SetRestarting transitions the instance to Restarting ahead of a
// supervised stop/backoff/start cycle.
func (i *Instance) SetRestarting() {
	i.setState(Restarting)
}

// SetFailed transitions the instance to the terminal Failed state, which
// persists until an operator explicitly re-registers the definition.
func (i *Instance) SetFailed(err error) {
	i.setLastError(err)
	i.setState(Failed)
}

// Start launches the instance's child process. Transitions Idle/Restarting
// -> Starting -> Running on success, or -> Failed on failure. Safe to call
// concurrently with Stop/CheckHealth on the same instance only if the
// caller serializes per-instance calls (the orchestrator's responsibility).
func (i *Instance) Start(ctx context.Context, pctx Context) error {
	i.setState(Starting)

	exe, args := i.launchCommand()
	if exe == "" {
		err := agenterr.ErrEmptyExecutable
		i.setLastError(err)
		i.setState(Failed)
		return err
	}

	env := envSlice(i.Def.Env)
	if deviceID, ok := pctx.Variables["deviceId"]; ok {
		env = append(env, "DEVICEFARMD_DEVICE_ID="+deviceID)
	}

	h, err := process.Launch(process.Spec{
		Executable: exe,
		Args:       args,
		Env:        env,
		Dir:        firstNonEmpty(i.Def.WorkDir, pctx.InstallFolder),
	})
	if err != nil {
		i.setLastError(err)
		i.setState(Failed)
		return err
	}

	i.mu.Lock()
	i.handle = h
	i.mu.Unlock()
	i.setState(Running)
	return nil
}

// Stop transitions Running/Restarting -> Stopping -> Stopped. Idempotent:
// a no-op (but still reports success) on any other state.
func (i *Instance) Stop(grace time.Duration) {
	st := i.State()
	if st != Running && st != Restarting {
		return
	}

	i.setState(Stopping)

	i.mu.Lock()
	h := i.handle
	i.mu.Unlock()
	if h != nil {
		h.Stop(grace)
	}

	i.setState(Stopped)
}

// CheckHealth reports healthy iff: no health-check command is configured
// and the child process is still running, or the configured health-check
// command exits zero within its timeout.
func (i *Instance) CheckHealth(ctx context.Context) bool {
	i.mu.Lock()
	h := i.handle
	hc := i.Def.HealthCheck
	i.mu.Unlock()

	if hc == nil {
		return h != nil && h.Running()
	}

	exe, args := commandFor(hc.Runtime, hc.Executable, hc.Args)
	code, timedOut, err := process.Run(ctx, process.Spec{Executable: exe, Args: args}, hc.Timeout())
	if err != nil || timedOut {
		return false
	}
	return code == 0
}

func (i *Instance) launchCommand() (string, []string) {
	if i.Def.Kind != KindScript {
		return commandFor("", i.Def.Executable, i.Def.Args)
	}
	return commandFor(i.Def.Runtime, i.Def.Executable, i.Def.Args)
}

// commandFor wraps executable with runtime's interpreter when runtime is
// non-empty. launchCommand passes the definition's runtime only for the
// "script" kind; health checks pass their own runtime.
func commandFor(runtime, executable string, args []string) (string, []string) {
	if executable == "" {
		return "", nil
	}
	if runtime == "" {
		return executable, args
	}
	return runtime, append([]string{executable}, args...)
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
