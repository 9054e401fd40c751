// Package server orchestrates all components: host loop, executor, registry,
// dispatcher, MCP gateway, lifecycle coordinator, NATS events and the status listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-gateway/internal/config"
	"github.com/morezero/capabilities-gateway/pkg/capabilities"
	"github.com/morezero/capabilities-gateway/pkg/commsutil"
	"github.com/morezero/capabilities-gateway/pkg/dispatcher"
	"github.com/morezero/capabilities-gateway/pkg/events"
	"github.com/morezero/capabilities-gateway/pkg/executor"
	"github.com/morezero/capabilities-gateway/pkg/gateway"
	"github.com/morezero/capabilities-gateway/pkg/host"
	"github.com/morezero/capabilities-gateway/pkg/lifecycle"
	"github.com/morezero/capabilities-gateway/pkg/registry"
	"github.com/morezero/capabilities-gateway/pkg/toggles"
)

const logPrefix = "server:server"

const shutdownTimeout = 5 * time.Second

// NewServerParams holds parameters for NewServer.
type NewServerParams struct {
	Config    *config.Config
	Store     toggles.Store
	Publisher events.EventPublisher
}

// Server is the capabilities-gateway orchestrator.
type Server struct {
	cfg       *config.Config
	store     toggles.Store
	publisher events.EventPublisher

	exec    *executor.Executor
	boot    *executor.Bootstrap
	loop    *host.Loop
	reg     *registry.Registry
	disp    *dispatcher.Dispatcher
	clients *gateway.ClientTable
	gw      *gateway.Gateway
	coord   *lifecycle.Coordinator

	statusServer *http.Server

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	stopOnce   sync.Once
}

// NewServer wires the component graph without starting anything.
func NewServer(p NewServerParams) (*Server, error) {
	cfg := p.Config
	version, err := cfg.NormalizedServerVersion()
	if err != nil {
		return nil, err
	}
	pub := p.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	s := &Server{cfg: cfg, store: p.Store, publisher: pub}

	s.exec = executor.New(executor.Config{
		Timeout:         cfg.ExecutorTimeout,
		PollInterval:    cfg.ExecutorPollInterval,
		MaxTasksPerTick: cfg.ExecutorMaxPerTick,
	})
	s.loop = host.NewLoop(host.NewLoopParams{
		Config: host.Config{
			TickInterval:       cfg.HostTickInterval,
			TransitionDuration: cfg.HostTransitionDuration,
		},
		Executor: s.exec,
		Setup:    s.hostReady,
	})
	s.exec.SetWaker(s.loop)
	s.boot = executor.NewBootstrap(executor.BootstrapConfig{
		Timeout:        cfg.ExecutorTimeout,
		InstallTimeout: cfg.InstallTimeout,
	}, s.loop)

	var store registry.EnablementStore
	if p.Store != nil {
		store = p.Store
	}
	s.reg = registry.NewRegistry(registry.NewRegistryParams{
		Handlers: capabilities.NewSet(s.loop),
		Store:    store,
	})

	flag := &lifecycle.TransitionFlag{}
	s.disp = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Registry:   s.reg,
		Runner:     s.boot,
		Transition: flag,
		Info:       dispatcher.ServerInfo{Name: cfg.ServerName, Version: version},
	})

	s.clients = gateway.NewClientTable(gateway.ClientTableConfig{
		MaxEntries:   cfg.ClientMaxTracked,
		IdleTTL:      cfg.ClientIdleTTL,
		ReapInterval: cfg.ClientReapInterval,
	})
	s.gw = gateway.NewGateway(gateway.NewGatewayParams{
		Config:  gateway.Config{Addr: cfg.ListenAddr(), ReadTimeout: cfg.ReadTimeout},
		Handler: s.disp,
		Clients: s.clients,
	})

	s.coord = lifecycle.NewCoordinator(lifecycle.NewCoordinatorParams{
		Executor:  s.exec,
		Gateway:   s.gw,
		Registry:  s.reg,
		Publisher: pub,
		Flag:      flag,
		AutoStart: cfg.AutoStart,
	})
	s.loop.Attach(s.boot, s.coord)

	return s, nil
}

// hostReady runs on the first host iteration, before the executor is installed.
func (s *Server) hostReady(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - Host loop ready, installing executor", logPrefix))
	if err := s.publisher.Publish(ctx, &events.LifecycleEvent{
		Kind:           events.KindExecutorReady,
		GatewayRunning: s.gw.Running(),
		Capabilities:   s.reg.Count(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish executor_ready: %v", logPrefix, err))
	}
	return nil
}

// Start builds the registry, launches the host loop, brings up the executor
// and gateway, and starts the client reaper and status listener.
func (s *Server) Start(ctx context.Context) error {
	n, err := s.reg.RebuildAll(ctx)
	if err != nil {
		return fmt.Errorf("%s - failed to build registry: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Registry built with %d capabilities", logPrefix, n))

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		if err := s.loop.Run(loopCtx); err != nil {
			slog.Error(fmt.Sprintf("%s - host loop exited: %v", logPrefix, err))
		}
	}()

	if err := s.coord.Start(ctx); err != nil {
		cancel()
		<-s.loopDone
		return fmt.Errorf("%s - failed to start gateway: %w", logPrefix, err)
	}
	s.clients.StartReaper()

	if s.cfg.StatusAddr != "" {
		s.statusServer = &http.Server{
			Addr:              s.cfg.StatusAddr,
			Handler:           s.StatusHandler(),
			ReadHeaderTimeout: s.cfg.ReadTimeout,
		}
		go func() {
			slog.Info(fmt.Sprintf("%s - Status server listening on %s", logPrefix, s.cfg.StatusAddr))
			if err := s.statusServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error(fmt.Sprintf("%s - status server error: %v", logPrefix, err))
			}
		}()
	}
	return nil
}

// Shutdown stops everything Start started. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.statusServer != nil {
			if e := s.statusServer.Shutdown(ctx); e != nil {
				slog.Warn(fmt.Sprintf("%s - status server shutdown: %v", logPrefix, e))
			}
		}
		s.clients.StopReaper()
		err = s.coord.Shutdown(ctx)
		if s.cancelLoop != nil {
			s.cancelLoop()
			<-s.loopDone
		}
	})
	return err
}

// Gateway returns the MCP gateway.
func (s *Server) Gateway() *gateway.Gateway {
	return s.gw
}

// Loop returns the host loop.
func (s *Server) Loop() *host.Loop {
	return s.loop
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	return RunWithConfig(cfg)
}

// RunWithConfig is Run with an already loaded configuration (flags applied).
func RunWithConfig(cfg *config.Config) error {
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting capabilities-gateway", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Enablement store
	store, closeStore, err := OpenToggles(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Step 2: Connect to NATS (optional)
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if nc != nil {
		defer drain(nc)
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{
			GlobalSubject: cfg.EventSubject,
			Host:          cfg.COMMSName,
		})
		slog.Info(fmt.Sprintf("%s - Publishing lifecycle events to %s", logPrefix, cfg.COMMSURL))
	}

	// Step 3: Build and start
	s, err := NewServer(NewServerParams{Config: cfg, Store: store, Publisher: publisher})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Capabilities-gateway is ready on http://%s%s", logPrefix, s.gw.Addr(), gateway.MCPPath))

	// Wait for shutdown signal; SIGHUP rebuilds the registry.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			slog.Info(fmt.Sprintf("%s - Received SIGHUP, resetting host context", logPrefix))
			s.loop.RequestContextReset()
			continue
		}
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - shutdown: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default slog logger at the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func drain(nc *comms.Conn) {
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
	}
}
