// Package listener implements the device listener: a single cooperative
// poll-diff loop over the Android and iOS probes, publishing
// DeviceConnected/DeviceDisconnected to the event bus, merging both
// platforms' snapshots each tick.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/device"
	"github.com/devicefarmd/agent/internal/eventbus"
	"github.com/devicefarmd/agent/internal/probe"
	"github.com/rs/zerolog"
)

// Listener owns the registry mutations driven by probe polling.
type Listener struct {
	log      zerolog.Logger
	bus      *eventbus.Bus
	registry *device.Registry
	android  probe.Android
	ios      probe.IOS
	interval time.Duration

	lastAndroid map[string]probe.Seen
	lastIOS     map[string]probe.Seen
}

// New constructs a listener. interval must be >= 1s (validated by config).
func New(log zerolog.Logger, bus *eventbus.Bus, reg *device.Registry, android probe.Android, ios probe.IOS, interval time.Duration) *Listener {
	return &Listener{
		log:         agentlog.Component(log, "listener"),
		bus:         bus,
		registry:    reg,
		android:     android,
		ios:         ios,
		interval:    interval,
		lastAndroid: map[string]probe.Seen{},
		lastIOS:     map[string]probe.Seen{},
	}
}

// Run executes the poll-diff loop until ctx is cancelled. If neither probe
// is available at startup, it logs and returns immediately.
func (l *Listener) Run(ctx context.Context) {
	if !l.android.Available() && !l.ios.Available() {
		l.log.Error().Msg("no device probe available, device listener disabled")
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Listener) tick(ctx context.Context) {
	androidNow := l.pollAndroid(ctx)
	iosNow := l.pollIOS(ctx)

	l.diffAndPublish(device.Android, l.lastAndroid, androidNow)
	l.diffAndPublish(device.IOS, l.lastIOS, iosNow)

	l.lastAndroid = androidNow
	l.lastIOS = iosNow
}

func (l *Listener) pollAndroid(ctx context.Context) map[string]probe.Seen {
	if !l.android.Available() {
		return map[string]probe.Seen{}
	}
	seen, err := l.android.Enumerate(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("android probe failed")
		return map[string]probe.Seen{}
	}
	return toMap(seen)
}

func (l *Listener) pollIOS(ctx context.Context) map[string]probe.Seen {
	if !l.ios.Available() {
		return map[string]probe.Seen{}
	}
	seen, err := l.ios.Enumerate(ctx)
	if err != nil {
		if errors.Is(err, probe.ErrPairingRequired) {
			l.log.Warn().Msg("iOS device requires pairing/trust on this host; open the Settings trust prompt on the device and reconnect")
			return l.lastIOS
		}
		l.log.Warn().Err(err).Msg("iOS probe failed")
		return l.lastIOS
	}
	return toMap(seen)
}

func toMap(seen []probe.Seen) map[string]probe.Seen {
	out := make(map[string]probe.Seen, len(seen))
	for _, s := range seen {
		out[s.ID] = s
	}
	return out
}

func (l *Listener) diffAndPublish(platform device.Platform, prev, now map[string]probe.Seen) {
	for id, s := range now {
		if _, existed := prev[id]; !existed {
			d := device.Device{Platform: platform, ID: id, Name: s.Name, Kind: s.Kind, State: device.Connected}
			l.registry.AddOrUpdate(d)
			l.bus.Publish(eventbus.DeviceConnected{Device: toEventDevice(d)})
		}
	}
	for id, s := range prev {
		if _, stillPresent := now[id]; !stillPresent {
			d := device.Device{Platform: platform, ID: id, Name: s.Name, Kind: s.Kind, State: device.Disconnected}
			l.registry.Remove(id)
			l.bus.Publish(eventbus.DeviceDisconnected{Device: toEventDevice(d)})
		}
	}
}

func toEventDevice(d device.Device) eventbus.Device {
	return eventbus.Device{Platform: string(d.Platform), ID: d.ID, Name: d.Name, Kind: string(d.Kind)}
}
