// Package agent wires every component into the orchestrator root and
// drives startup/shutdown ordering for the full control plane.
package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/devicefarmd/agent/internal/admin"
	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/config"
	"github.com/devicefarmd/agent/internal/device"
	"github.com/devicefarmd/agent/internal/eventbus"
	"github.com/devicefarmd/agent/internal/listener"
	"github.com/devicefarmd/agent/internal/metrics"
	"github.com/devicefarmd/agent/internal/orchestrator"
	"github.com/devicefarmd/agent/internal/plugin"
	"github.com/devicefarmd/agent/internal/ports"
	"github.com/devicefarmd/agent/internal/probe"
	"github.com/devicefarmd/agent/internal/session"
	"github.com/devicefarmd/agent/internal/trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultStopGrace = 10 * time.Second
	defaultAdminAddr = "127.0.0.1:8787"
	probeTimeout     = 10 * time.Second
)

// Options configures the probes and admin surface; everything else comes
// from the loaded configuration document.
type Options struct {
	AndroidProbeExecutable string
	AndroidProbeArgs       []string
	IOSProbeExecutable     string
	IOSProbeArgs           []string
	AdminAddr              string
	DryRun                 bool
}

// Agent is the fully-wired control plane.
type Agent struct {
	log zerolog.Logger
	doc config.Document

	metrics  *metrics.Sink
	bus      *eventbus.Bus
	registry *device.Registry
	alloc    *ports.Allocator
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	trig     *trigger.Trigger
	listen   *listener.Listener
	admin    *admin.Server
}

// New loads plugin definitions from doc, registers them, and wires every
// component together. It does not start anything; call Run.
func New(log zerolog.Logger, doc config.Document, opts Options) (*Agent, error) {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	bus := eventbus.New(log)
	reg := device.NewRegistry()
	alloc := ports.New(doc.PortRange.StartPort, doc.PortRange.EndPort)

	pluginReg := plugin.NewRegistry()
	for _, pd := range doc.Plugins {
		def := toDefinition(pd)
		if !def.Enabled {
			continue
		}
		if err := pluginReg.RegisterDefinition(def); err != nil {
			return nil, err
		}
	}

	orch := orchestrator.New(log, m, pluginReg, orchestrator.Config{
		InstallFolder:         doc.InstallFolder,
		MonitorInterval:       time.Duration(doc.PluginMonitorIntervalSeconds) * time.Second,
		RestartBackoffSeconds: doc.PluginRestartBackoffSeconds,
	})

	platforms := map[device.Platform]session.PlatformConfig{
		device.Android: {
			PortCount: doc.PlatformPorts.Android,
			Scripts:   defaultAndroidScripts(doc.InstallFolder),
		},
		device.IOS: {
			PortCount: doc.PlatformPorts.IOS,
			Scripts:   defaultIOSScripts(doc.InstallFolder),
		},
	}
	sessions := session.New(log, m, bus, reg, alloc, platforms, opts.DryRun)

	trig := trigger.New(log, bus, orch, pluginReg, defaultStopGrace)

	android := probe.Android{Executable: opts.AndroidProbeExecutable, Args: opts.AndroidProbeArgs, Timeout: probeTimeout}
	ios := probe.IOS{Executable: opts.IOSProbeExecutable, Args: opts.IOSProbeArgs, Timeout: probeTimeout}

	var lst *listener.Listener
	if doc.EnableDeviceListener {
		lst = listener.New(log, bus, reg, android, ios, time.Duration(doc.DeviceListenerPollInterval)*time.Second)
	}

	adminAddr := opts.AdminAddr
	if adminAddr == "" {
		adminAddr = defaultAdminAddr
	}
	adminSrv := admin.New(log, adminAddr, reg, orch, bus, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	if doc.AutoStartAppium {
		wireAutoStartSessions(bus, sessions, reg)
	}

	return &Agent{
		log:      agentlog.Component(log, "agent"),
		doc:      doc,
		metrics:  m,
		bus:      bus,
		registry: reg,
		alloc:    alloc,
		orch:     orch,
		sessions: sessions,
		trig:     trig,
		listen:   lst,
		admin:    adminSrv,
	}, nil
}

// wireAutoStartSessions binds session start/stop to device connect/disconnect
// when autoStartAppium is enabled. The listener removes a disconnected
// device from the registry before publishing, so started sessions are kept
// here for the disconnect handler.
func wireAutoStartSessions(bus *eventbus.Bus, sessions *session.Manager, reg *device.Registry) {
	var mu sync.Mutex
	active := make(map[string]device.Session)
	eventbus.Subscribe(bus, func(e eventbus.DeviceConnected) {
		d, ok := reg.Get(e.Device.ID)
		if !ok {
			return
		}
		if sess, ok := sessions.StartSession(context.Background(), d); ok {
			mu.Lock()
			active[d.ID] = *sess
			mu.Unlock()
		}
	})
	eventbus.Subscribe(bus, func(e eventbus.DeviceDisconnected) {
		d := device.Device{Platform: device.Platform(e.Device.Platform), ID: e.Device.ID}
		mu.Lock()
		if sess, ok := active[d.ID]; ok {
			d.Session = &sess
			delete(active, d.ID)
		}
		mu.Unlock()
		sessions.StopSession(context.Background(), d)
	})
}

// Run starts every subsystem in dependency order and blocks until ctx is
// cancelled, then tears down in order: listener first, then the plugin
// orchestrator's stopAll, then sessions, then releases remaining leases.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.orch.StartStatic(ctx); err != nil {
		return err
	}

	orchCtx, cancelOrch := context.WithCancel(ctx)
	defer cancelOrch()
	go a.orch.Run(orchCtx)

	listenerCtx, cancelListener := context.WithCancel(ctx)
	defer cancelListener()
	if a.listen != nil {
		go a.listen.Run(listenerCtx)
	}

	adminErrCh := make(chan error, 1)
	go func() {
		if err := a.admin.Run(ctx); err != nil && err != http.ErrServerClosed {
			adminErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-adminErrCh:
		a.log.Error().Err(err).Msg("admin server failed")
	}

	a.shutdown()
	return nil
}

func (a *Agent) shutdown() {
	a.log.Info().Msg("shutting down")
	a.trig.Close()

	a.orch.StopAll(defaultStopGrace)

	for _, d := range a.registry.GetAll() {
		if d.Session != nil {
			a.sessions.StopSession(context.Background(), d)
		}
	}

	for _, p := range a.alloc.ListAllocated() {
		a.alloc.Release([]int{p})
	}
}

// Metrics exposes the sink for callers that need a snapshot (e.g. tests,
// future CLI introspection commands).
func (a *Agent) Metrics() *metrics.Sink { return a.metrics }
