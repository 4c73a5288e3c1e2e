// Package admin implements the local, read-only observability surface:
// health, Prometheus metrics, device and plugin inventory, and a
// websocket event stream. It is deliberately narrowed to localhost-only,
// read-only endpoints — there is no inbound command path (see DESIGN.md).
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/devicefarmd/agent/internal/agentlog"
	"github.com/devicefarmd/agent/internal/device"
	"github.com/devicefarmd/agent/internal/eventbus"
	"github.com/devicefarmd/agent/internal/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the localhost admin HTTP surface.
type Server struct {
	log    zerolog.Logger
	engine *gin.Engine
	http   *http.Server

	registry *device.Registry
	orch     *orchestrator.Orchestrator
	bus      *eventbus.Bus

	upgrader websocket.Upgrader
}

// New constructs the admin server bound to addr (expected to be a loopback
// address, e.g. "127.0.0.1:8787").
func New(log zerolog.Logger, addr string, reg *device.Registry, orch *orchestrator.Orchestrator, bus *eventbus.Bus, metricsHandler http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		log:      agentlog.Component(log, "admin"),
		engine:   engine,
		registry: reg,
		orch:     orch,
		bus:      bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // localhost-only surface, no browser CORS concern
		},
	}

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(metricsHandler))
	engine.GET("/api/v1/devices", s.handleDevices)
	engine.GET("/api/v1/plugins", s.handlePlugins)
	engine.GET("/api/v1/events/stream", s.handleEventStream)

	s.http = &http.Server{
		Addr:    addr,
		Handler: engine,
	}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.GetAll())
}

func (s *Server) handlePlugins(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Instances())
}

const (
	eventStreamClientQueueSize = 64
	eventStreamWriteWait       = 10 * time.Second
)

// handleEventStream upgrades to a websocket connection and forwards every
// bus event to the client as JSON, one message per event, until the client
// disconnects. A slow client's bounded queue fills and further events are
// dropped for that client rather than blocking the bus (same policy as
// eventbus.Publish itself).
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer conn.Close()

	queue := make(chan any, eventStreamClientQueueSize)
	forward := func(e eventbus.Event) {
		select {
		case queue <- e:
		default:
		}
	}

	unsubs := []eventbus.Unsubscribe{
		eventbus.Subscribe(s.bus, func(e eventbus.DeviceConnected) { forward(e) }),
		eventbus.Subscribe(s.bus, func(e eventbus.DeviceDisconnected) { forward(e) }),
		eventbus.Subscribe(s.bus, func(e eventbus.SessionStarted) { forward(e) }),
		eventbus.Subscribe(s.bus, func(e eventbus.SessionStopped) { forward(e) }),
		eventbus.Subscribe(s.bus, func(e eventbus.SessionFailed) { forward(e) }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case evt := <-queue:
			conn.SetWriteDeadline(time.Now().Add(eventStreamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
