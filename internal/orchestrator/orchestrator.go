// Package orchestrator implements the plugin orchestrator: the per-instance
// state machine, dependency-ordered static startup, device-scoped
// instantiation, and the health-monitor/restart loop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/metrics"
	"github.com/devicefarmd/agent/internal/plugin"
	"github.com/rs/zerolog"
)

// defaultHealthFailureThreshold is used when a definition's HealthCheck
// omits ConsecutiveFailureLimit.
const defaultHealthFailureThreshold = 3

// Orchestrator owns every plugin instance (static and device-scoped) and
// drives the health-monitor loop.
type Orchestrator struct {
	log     zerolog.Logger
	metrics *metrics.Sink
	reg     *plugin.Registry

	installFolder      string
	monitorInterval    time.Duration
	restartBackoffBase time.Duration

	mu        sync.RWMutex
	instances map[string]*plugin.Instance
	order     []string // topological order of definition ids, static scope only

	instLocks sync.Map // per-instance key -> *sync.Mutex, serializes start/stop/restart
}

// Config carries the orchestrator-wide knobs from the configuration
// document.
type Config struct {
	InstallFolder         string
	MonitorInterval       time.Duration
	RestartBackoffSeconds int
}

// New constructs an orchestrator bound to reg's definitions. Call
// StartStatic before Run.
func New(log zerolog.Logger, m *metrics.Sink, reg *plugin.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		log:                agentlog.Component(log, "orchestrator"),
		metrics:            m,
		reg:                reg,
		installFolder:      cfg.InstallFolder,
		monitorInterval:    cfg.MonitorInterval,
		restartBackoffBase: time.Duration(cfg.RestartBackoffSeconds) * time.Second,
		instances:          make(map[string]*plugin.Instance),
	}
}

func (o *Orchestrator) lockFor(key string) *sync.Mutex {
	v, _ := o.instLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// StartStatic instantiates and starts every enabled, triggerOn=none
// definition in dependency order. A dependency's failure marks
// its dependents Failed without attempting to start them.
func (o *Orchestrator) StartStatic(ctx context.Context) error {
	order, err := o.reg.ValidateDependencyGraph()
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.order = order
	o.mu.Unlock()

	failedDeps := make(map[string]bool)

	for _, id := range order {
		def, ok := o.reg.Get(id)
		if !ok {
			continue
		}
		if def.TriggerOn != plugin.TriggerNone || !def.Enabled {
			continue
		}

		inst := plugin.NewInstance(id, def)
		o.mu.Lock()
		o.instances[id] = inst
		o.mu.Unlock()

		if dependencyFailed(def.DependsOn, failedDeps) {
			o.markFailed(inst, fmt.Errorf("dependency failed"))
			failedDeps[id] = true
			continue
		}

		if err := o.startInstance(ctx, inst); err != nil {
			failedDeps[id] = true
		}
	}
	return nil
}

func dependencyFailed(deps []string, failed map[string]bool) bool {
	for _, d := range deps {
		if failed[d] {
			return true
		}
	}
	return false
}

func (o *Orchestrator) markFailed(inst *plugin.Instance, err error) {
	lock := o.lockFor(inst.Key)
	lock.Lock()
	defer lock.Unlock()
	inst.SetFailed(err)
}

func (o *Orchestrator) startInstance(ctx context.Context, inst *plugin.Instance) error {
	lock := o.lockFor(inst.Key)
	lock.Lock()
	defer lock.Unlock()

	pctx := plugin.Context{InstallFolder: o.installFolder}
	err := o.safeStart(ctx, inst, pctx)
	if err != nil {
		o.log.Error().Str("plugin", inst.Key).Err(err).Msg("plugin start failed")
	}
	return err
}

// safeStart converts a panic from the kind's start into a Failed state.
func (o *Orchestrator) safeStart(ctx context.Context, inst *plugin.Instance, pctx plugin.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
			o.log.Error().Str("plugin", inst.Key).Interface("panic", r).Msg("plugin start panicked")
		}
	}()
	return inst.Start(ctx, pctx)
}

// StartPlugin starts (or re-starts) a device-scoped instance of definition
// id, keyed "id:deviceId". Used by the device-event trigger. A Stopped or
// Failed instance under the same key is replaced by a fresh instance, so a
// reconnecting device starts with zeroed health-failure and restart counters.
func (o *Orchestrator) StartPlugin(ctx context.Context, id string, vars map[string]string) error {
	def, ok := o.reg.Get(id)
	if !ok {
		return fmt.Errorf("unknown plugin definition %q", id)
	}
	if !def.Enabled {
		return nil
	}

	key := id
	if deviceID, ok := vars["deviceId"]; ok && deviceID != "" {
		key = id + ":" + deviceID
	}

	o.mu.Lock()
	inst, exists := o.instances[key]
	if !exists || inst.State() == plugin.Stopped || inst.State() == plugin.Failed {
		inst = plugin.NewInstance(key, def)
		o.instances[key] = inst
	}
	o.mu.Unlock()

	lock := o.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	inst.SetVariables(vars)
	pctx := plugin.Context{InstallFolder: o.installFolder, Variables: vars}
	return o.safeStart(ctx, inst, pctx)
}

// StopPlugin stops the instance with the given key. Unknown keys are
// ignored.
func (o *Orchestrator) StopPlugin(key string, grace time.Duration) {
	o.mu.RLock()
	inst, ok := o.instances[key]
	o.mu.RUnlock()
	if !ok {
		return
	}

	lock := o.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	inst.Stop(grace)
}

// StopAll stops every instance in reverse static-dependency order, then any
// device-scoped instances. Failures during stop are logged but never abort
// the sweep.
func (o *Orchestrator) StopAll(grace time.Duration) {
	o.mu.RLock()
	order := append([]string(nil), o.order...)
	instances := make(map[string]*plugin.Instance, len(o.instances))
	for k, v := range o.instances {
		instances[k] = v
	}
	o.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		if inst, ok := instances[order[i]]; ok {
			o.stopSafely(inst, grace)
			delete(instances, order[i])
		}
	}
	for _, inst := range instances {
		o.stopSafely(inst, grace)
	}
}

func (o *Orchestrator) stopSafely(inst *plugin.Instance, grace time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("plugin", inst.Key).Interface("panic", r).Msg("plugin stop panicked")
		}
	}()
	lock := o.lockFor(inst.Key)
	lock.Lock()
	defer lock.Unlock()
	inst.Stop(grace)
}

// Instances returns a snapshot of every currently-tracked instance key and
// state, for the admin surface.
func (o *Orchestrator) Instances() map[string]plugin.State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]plugin.State, len(o.instances))
	for k, v := range o.instances {
		out[k] = v.State()
	}
	return out
}

// Run drives the health-monitor loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.monitorTick(ctx)
		}
	}
}

func (o *Orchestrator) monitorTick(ctx context.Context) {
	o.mu.RLock()
	instances := make([]*plugin.Instance, 0, len(o.instances))
	for _, inst := range o.instances {
		instances = append(instances, inst)
	}
	o.mu.RUnlock()

	for _, inst := range instances {
		if inst.State() != plugin.Running {
			continue
		}
		o.checkAndMaybeRestart(ctx, inst)
	}
}

func (o *Orchestrator) checkAndMaybeRestart(ctx context.Context, inst *plugin.Instance) {
	lock := o.lockFor(inst.Key)
	lock.Lock()
	defer lock.Unlock()

	if inst.State() != plugin.Running {
		return
	}

	healthy := o.checkHealthRespectingCancel(ctx, inst)
	if healthy {
		inst.ResetHealthFailures()
		return
	}

	// Cancellation during the health-check is treated as unhealthy without
	// incrementing the failure counter.
	if ctx.Err() != nil {
		return
	}

	threshold := failureThreshold(inst.Def.HealthCheck)
	failures := inst.IncrementHealthFailures()
	o.metrics.RecordPluginUnhealthy(inst.Key)

	if failures < threshold {
		return
	}

	o.restart(ctx, inst)
}

func (o *Orchestrator) checkHealthRespectingCancel(ctx context.Context, inst *plugin.Instance) bool {
	done := make(chan bool, 1)
	go func() { done <- inst.CheckHealth(ctx) }()

	select {
	case healthy := <-done:
		return healthy
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) restart(ctx context.Context, inst *plugin.Instance) {
	maxRestarts := inst.Def.MaxRestarts
	if inst.Restarts() >= maxRestarts {
		inst.SetFailed(fmt.Errorf("max restarts exhausted"))
		o.log.Warn().Str("plugin", inst.Key).Msg("plugin exhausted restart budget, marking failed")
		return
	}

	inst.SetRestarting()
	o.metrics.RecordPluginRestart(inst.Key)

	backoff := o.restartBackoffFor(inst.Restarts())
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return
	}

	inst.Stop(0)
	inst.ResetHealthFailures()
	inst.IncrementRestarts()

	pctx := plugin.Context{InstallFolder: o.installFolder, Variables: inst.Variables()}
	if err := o.safeStart(ctx, inst, pctx); err != nil {
		o.log.Error().Str("plugin", inst.Key).Err(err).Msg("plugin restart failed")
	}
}

// failureThreshold returns hc's ConsecutiveFailureLimit, defaulting to 3
// when hc is nil or the field is unset.
func failureThreshold(hc *plugin.HealthCheck) int {
	if hc == nil || hc.ConsecutiveFailureLimit <= 0 {
		return defaultHealthFailureThreshold
	}
	return hc.ConsecutiveFailureLimit
}

// restartBackoffFor implements the decided restart-backoff shape (an Open
// Question in the original spec): linear in the restart count, capped at
// 10x the base.
func (o *Orchestrator) restartBackoffFor(restartCount int) time.Duration {
	mult := restartCount
	if mult < 1 {
		mult = 1
	}
	if mult > 10 {
		mult = 10
	}
	return o.restartBackoffBase * time.Duration(mult)
}

