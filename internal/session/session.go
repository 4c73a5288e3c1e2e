// Package session implements the session manager: per-device
// automation-server sessions backed by a port lease and a launched child
// process running an opaque platform start/stop script.
package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/device"
	"github.com/devicefarmd/agent/internal/eventbus"
	"github.com/devicefarmd/agent/internal/metrics"
	"github.com/devicefarmd/agent/internal/ports"
	"github.com/devicefarmd/agent/internal/process"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScriptSet names the platform-specific start/stop executables a Manager
// invokes. These are opaque: the core never interprets their output.
type ScriptSet struct {
	StartExecutable string
	StartArgs       []string
	StopExecutable  string
	StopArgs        []string
}

// PlatformConfig carries the per-platform port count knob (an Open
// Question in the original spec, decided here as explicit configuration)
// and the start/stop scripts for that platform.
type PlatformConfig struct {
	PortCount int
	Scripts   ScriptSet
}

// Manager owns session start/stop for every device, serializing start/stop
// per device.
type Manager struct {
	log       zerolog.Logger
	metrics   *metrics.Sink
	bus       *eventbus.Bus
	registry  *device.Registry
	allocator *ports.Allocator

	platforms map[device.Platform]PlatformConfig
	dryRun    bool

	deviceLocks sync.Map // device id -> *sync.Mutex
}

// New constructs a session manager. platforms maps each supported platform
// to its port count and scripts.
func New(log zerolog.Logger, m *metrics.Sink, bus *eventbus.Bus, reg *device.Registry, alloc *ports.Allocator, platforms map[device.Platform]PlatformConfig, dryRun bool) *Manager {
	return &Manager{
		log:       agentlog.Component(log, "session"),
		metrics:   m,
		bus:       bus,
		registry:  reg,
		allocator: alloc,
		platforms: platforms,
		dryRun:    dryRun,
	}
}

func (m *Manager) lockFor(deviceID string) *sync.Mutex {
	v, _ := m.deviceLocks.LoadOrStore(deviceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// StartSession implements startSession(device).
func (m *Manager) StartSession(ctx context.Context, d device.Device) (*device.Session, bool) {
	lock := m.lockFor(d.ID)
	lock.Lock()
	defer lock.Unlock()

	cfg, ok := m.platforms[d.Platform]
	if !ok || cfg.PortCount <= 0 {
		m.fail(d, "NoPortsAvailable")
		return nil, false
	}

	leased, ok := m.allocator.Allocate(cfg.PortCount)
	if !ok {
		m.metrics.RecordPortAllocationFailure()
		m.fail(d, "NoPortsAvailable")
		return nil, false
	}

	sess := &device.Session{
		SessionID: uuid.NewString(),
		DeviceID:  d.ID,
		Ports:     leased,
		Status:    device.SessionStarting,
		StartedAt: time.Now(),
	}

	if !m.launchStartScript(ctx, cfg, d, leased) {
		m.allocator.Release(leased)
		m.fail(d, "LaunchFailed")
		return nil, false
	}

	sess.Status = device.SessionRunning
	m.registry.AttachSession(d.ID, *sess)
	m.metrics.RecordSessionStarted()
	m.bus.Publish(eventbus.SessionStarted{
		Device:  snapshotDevice(d),
		Session: snapshotSession(*sess),
	})
	return sess, true
}

// StopSession implements stopSession(device). Idempotent: a
// device with no session reports success without side effects.
func (m *Manager) StopSession(ctx context.Context, d device.Device) bool {
	lock := m.lockFor(d.ID)
	lock.Lock()
	defer lock.Unlock()

	if d.Session == nil {
		return true
	}
	sess := *d.Session

	cfg, ok := m.platforms[d.Platform]
	if ok {
		m.launchStopScript(ctx, cfg, d, sess.Ports)
	}

	m.allocator.Release(sess.Ports)
	sess.Status = device.SessionStopped
	m.registry.DetachSession(d.ID)
	m.metrics.RecordSessionStopped()
	m.bus.Publish(eventbus.SessionStopped{
		Device:  snapshotDevice(d),
		Session: snapshotSession(sess),
	})
	return true
}

func (m *Manager) fail(d device.Device, reason string) {
	m.metrics.RecordSessionFailed(string(d.Platform), reason)
	m.bus.Publish(eventbus.SessionFailed{Device: snapshotDevice(d), Reason: reason})
}

func (m *Manager) launchStartScript(ctx context.Context, cfg PlatformConfig, d device.Device, leased []int) bool {
	if m.dryRun {
		return true
	}
	if cfg.Scripts.StartExecutable == "" {
		return false
	}

	args := append(append([]string(nil), cfg.Scripts.StartArgs...), portArgs(leased)...)
	h, err := process.Launch(process.Spec{
		Executable: cfg.Scripts.StartExecutable,
		Args:       args,
		Env:        []string{"DEVICEFARMD_DEVICE_ID=" + d.ID},
	})
	if err != nil {
		m.log.Warn().Str("device", d.ID).Err(err).Msg("session start script failed to launch")
		return false
	}
	_ = h // long-lived automation server; handle ownership passes to the caller's process tree
	return true
}

func (m *Manager) launchStopScript(ctx context.Context, cfg PlatformConfig, d device.Device, leased []int) {
	if m.dryRun || cfg.Scripts.StopExecutable == "" {
		return
	}

	args := append(append([]string(nil), cfg.Scripts.StopArgs...), portArgs(leased)...)
	_, _, err := process.Run(ctx, process.Spec{
		Executable: cfg.Scripts.StopExecutable,
		Args:       args,
		Env:        []string{"DEVICEFARMD_DEVICE_ID=" + d.ID},
	}, 30*time.Second)
	if err != nil {
		m.log.Warn().Str("device", d.ID).Err(err).Msg("session stop script failed")
	}
}

func portArgs(ports []int) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = strconv.Itoa(p)
	}
	return out
}

func snapshotDevice(d device.Device) eventbus.Device {
	return eventbus.Device{Platform: string(d.Platform), ID: d.ID, Name: d.Name, Kind: string(d.Kind)}
}

func snapshotSession(s device.Session) eventbus.Session {
	return eventbus.Session{SessionID: s.SessionID, DeviceID: s.DeviceID, Ports: append([]int(nil), s.Ports...)}
}
