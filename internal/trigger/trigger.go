// Package trigger implements the device-event trigger: it subscribes
// to DeviceConnected/DeviceDisconnected and binds plugin lifecycle to device
// lifecycle. Grounded on other_examples' adb-monitor Monitor, which
// subscribes to device events and spins up/down a per-device worker via a
// context.CancelFunc map; here the per-device worker is a plugin instance
// owned by the orchestrator rather than a goroutine this package manages
// directly.
package trigger

import (
	"context"
	"time"

	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/eventbus"
	"github.com/devicefarmd/agent/internal/plugin"
	"github.com/rs/zerolog"
)

// Orchestrator is the subset of orchestrator.Orchestrator the trigger needs,
// kept narrow to avoid an import cycle and to make the trigger trivially
// testable with a fake.
type Orchestrator interface {
	StartPlugin(ctx context.Context, id string, vars map[string]string) error
	StopPlugin(key string, grace time.Duration)
}

// Trigger binds plugin start/stop to device connect/disconnect.
type Trigger struct {
	log   zerolog.Logger
	orch  Orchestrator
	reg   *plugin.Registry
	grace time.Duration

	unsubConnected    eventbus.Unsubscribe
	unsubDisconnected eventbus.Unsubscribe
}

// New constructs a trigger and subscribes it to the bus immediately.
func New(log zerolog.Logger, bus *eventbus.Bus, orch Orchestrator, reg *plugin.Registry, stopGrace time.Duration) *Trigger {
	t := &Trigger{
		log:   agentlog.Component(log, "trigger"),
		orch:  orch,
		reg:   reg,
		grace: stopGrace,
	}
	t.unsubConnected = eventbus.Subscribe(bus, t.onConnected)
	t.unsubDisconnected = eventbus.Subscribe(bus, t.onDisconnected)
	return t
}

// Close unsubscribes from the bus. Safe to call more than once.
func (t *Trigger) Close() {
	if t.unsubConnected != nil {
		t.unsubConnected()
	}
	if t.unsubDisconnected != nil {
		t.unsubDisconnected()
	}
}

func (t *Trigger) onConnected(e eventbus.DeviceConnected) {
	vars := map[string]string{"deviceId": e.Device.ID, "device": e.Device.ID}
	for id, def := range t.reg.GetDefinitions() {
		if !def.Enabled || def.TriggerOn != plugin.TriggerDeviceConnected {
			continue
		}
		t.startSafely(id, vars)
	}
}

func (t *Trigger) onDisconnected(e eventbus.DeviceDisconnected) {
	vars := map[string]string{"deviceId": e.Device.ID, "device": e.Device.ID}
	for id, def := range t.reg.GetDefinitions() {
		if def.Enabled && def.TriggerOn == plugin.TriggerDeviceDisconnected {
			t.startSafely(id, vars)
		}
		if def.StopOnDisconnect {
			t.orch.StopPlugin(id+":"+e.Device.ID, t.grace)
		}
	}
}

// startSafely invokes orchestrator.StartPlugin, logging rather than
// propagating any error so one misbehaving definition never blocks triggers
// for other definitions or other devices.
func (t *Trigger) startSafely(id string, vars map[string]string) {
	if err := t.orch.StartPlugin(context.Background(), id, vars); err != nil {
		t.log.Error().Str("plugin", id).Str("device", vars["deviceId"]).Err(err).Msg("triggered plugin start failed")
	}
}
