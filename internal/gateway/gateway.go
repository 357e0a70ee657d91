package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgateway/internal/config"
	"nuha.dev/gpsgateway/internal/events"
	"nuha.dev/gpsgateway/internal/gateway/command"
	"nuha.dev/gpsgateway/internal/gateway/registry"
	"nuha.dev/gpsgateway/internal/gateway/server"
	"nuha.dev/gpsgateway/internal/gateway/sublist"
	"nuha.dev/gpsgateway/internal/gateway/tunnel"
	"nuha.dev/gpsgateway/internal/gateway/webstream"
	"nuha.dev/gpsgateway/internal/store"
	"nuha.dev/gpsgateway/internal/web/monitoring"
)

const shutdownTimeout = 5 * time.Second

// ListenerError reports a listener that could not be bound or that failed
// while serving. It is fatal for Run.
type ListenerError struct {
	Listener string
	Addr     string
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("%s listener on %s: %v", e.Listener, e.Addr, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// Deps are the optional collaborators wired in by the caller.
type Deps struct {
	Store  store.Store
	Events events.Emitter
}

type Gateway struct {
	log      log.Logger
	config   *config.Config
	Registry *registry.Registry
	Sublist  *sublist.Sublist
	Router   *command.Router
	Devices  *server.Server
	Viewers  *webstream.WebstreamServer
	Monitor  *monitoring.MonitoringServer
	tunnel   *tunnel.Client
}

func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	g := &Gateway{config: cfg}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "gateway").Value()
	g.Registry = registry.New()
	g.Sublist = sublist.NewSublist()
	g.Router = command.NewRouter(g.Registry)
	g.Devices = server.NewServer(g.Registry, g.Sublist, deps.Store, deps.Events, &server.ServerConfig{
		ListenerAddr:  cfg.Device.ListenAddr,
		ReadTimeout:   cfg.Device.ReadTimeout,
		ProxyProtocol: cfg.Device.ProxyProtocol,
	})
	g.Viewers = webstream.NewWebstream(g.Sublist, g.Router, deps.Events, &webstream.WebStreamConfig{
		ListenAddr:     cfg.Viewer.ListenAddr,
		QueueSize:      cfg.Viewer.QueueSize,
		PingInterval:   cfg.Viewer.PingInterval,
		AllowedOrigins: cfg.Viewer.AllowedOrigins,
	})
	if cfg.Monitor.ListenAddr != "" {
		m, err := monitoring.NewMonApi(g.Registry, g.Viewers, g.Router, &monitoring.MonitoringConfig{
			ListenAddr:     cfg.Monitor.ListenAddr,
			TokenHash:      cfg.Monitor.TokenHash,
			IdSalt:         cfg.Monitor.IdSalt,
			AllowedOrigins: cfg.Viewer.AllowedOrigins,
		})
		if err != nil {
			return nil, fmt.Errorf("monitoring api: %w", err)
		}
		g.Monitor = m
	}
	if cfg.Device.TunnelAddr != "" {
		g.tunnel = tunnel.NewClient(g.Devices, tunnel.ClientConfig{Addr: cfg.Device.TunnelAddr, Token: cfg.Device.TunnelToken})
	}
	return g, nil
}

// Run binds every listener, then serves until ctx is done or a listener
// fails. Bind failures are returned as *ListenerError before anything is
// served.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Devices.Listen(); err != nil {
		return &ListenerError{Listener: "device", Addr: g.config.Device.ListenAddr, Err: err}
	}
	if err := g.Viewers.Listen(); err != nil {
		g.Devices.Shutdown()
		return &ListenerError{Listener: "viewer", Addr: g.config.Viewer.ListenAddr, Err: err}
	}
	if g.Monitor != nil {
		if err := g.Monitor.Listen(); err != nil {
			g.Devices.Shutdown()
			g.shutdownViewers()
			return &ListenerError{Listener: "monitor", Addr: g.config.Monitor.ListenAddr, Err: err}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 3)
	wg := sync.WaitGroup{}
	serve := func(name, addr string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errc <- &ListenerError{Listener: name, Addr: addr, Err: err}
			}
		}()
	}
	serve("device", g.config.Device.ListenAddr, func() error { return g.Devices.Serve(ctx) })
	serve("viewer", g.config.Viewer.ListenAddr, g.Viewers.Serve)
	if g.Monitor != nil {
		serve("monitor", g.config.Monitor.ListenAddr, g.Monitor.Serve)
	}
	if g.tunnel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.tunnel.Run(ctx)
		}()
	}
	g.log.Info().Msg("gateway running")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		g.log.Error().Err(err).Msg("listener failed, shutting down")
	}
	cancel()
	g.Devices.Shutdown()
	g.shutdownViewers()
	if g.Monitor != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := g.Monitor.Shutdown(sctx); serr != nil {
			g.log.Warn().Err(serr).Msg("monitoring shutdown")
		}
		scancel()
	}
	wg.Wait()
	g.log.Info().Msg("gateway stopped")
	return err
}

func (g *Gateway) shutdownViewers() {
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Viewers.Shutdown(sctx); err != nil {
		g.log.Warn().Err(err).Msg("viewer shutdown")
	}
}
