// Command aviary launches the Twitter-activity stream engine: SSE ingest,
// dedup and filter gates, bus fanout to the console, alert sinks and the
// dashboard hub, plus the HTTP health surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/featherwire/aviary/internal/app/alerts"
	"github.com/featherwire/aviary/internal/app/console"
	"github.com/featherwire/aviary/internal/app/dedupe"
	"github.com/featherwire/aviary/internal/app/engine"
	"github.com/featherwire/aviary/internal/app/fetcher"
	"github.com/featherwire/aviary/internal/app/filter"
	"github.com/featherwire/aviary/internal/infra/adapters/apify"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
	"github.com/featherwire/aviary/internal/infra/server/dashboard"
	httpserver "github.com/featherwire/aviary/internal/infra/server/http"
	"github.com/featherwire/aviary/internal/infra/telemetry"
)

const (
	version = "1.0.0"

	defaultConfigPath        = "config/app.yaml"
	aviaryLoggerPrefix       = "aviary "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	hubShutdownTimeout       = 5 * time.Second
	engineShutdownTimeout    = 10 * time.Second
	alertsShutdownTimeout    = 5 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("aviary %s\n", version)
		return
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newAviaryLogger()
	configPath := resolveConfigPath(cfgPath)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, channels=%v", appCfg.Environment, appCfg.Upstream.Channels)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount()})

	cache := dedupe.NewCache(appCfg.Dedupe, nil)
	pipeline, users := buildFilterPipeline(logger, appCfg.Upstream)

	subs, err := buildSubscriptionStore(appCfg.Upstream)
	if err != nil {
		logger.Fatalf("initialise subscription: %v", err)
	}

	client := apify.NewStreamClient(appCfg.Upstream)
	core := engine.NewCore(appCfg.Engine, client, bus, cache, pipeline, subs)

	var hub *dashboard.Hub
	if appCfg.Dashboard.Enabled {
		hub = dashboard.NewHub(appCfg.Dashboard, core, bus)
		if err := hub.Start(); err != nil {
			logger.Fatalf("start dashboard hub: %v", err)
		}
	}
	core.SetSubscriptionListener(func(sub config.RuntimeSubscription) {
		logger.Printf("runtime subscription applied: channels=%v users=%d source=%s", sub.Channels, len(sub.Users), sub.Source)
		users.setRuntime(sub.Users)
		if hub != nil {
			hub.BroadcastSubscription(sub)
		}
	})

	var renderer *console.Renderer
	if appCfg.Console.Enabled {
		renderer = console.NewRenderer(os.Stdout, bus)
		if err := renderer.Start(); err != nil {
			logger.Fatalf("start console renderer: %v", err)
		}
	}

	var alertDispatcher *alerts.Dispatcher
	if appCfg.Alerts.Enabled {
		alertDispatcher, err = alerts.NewDispatcher(appCfg.Alerts, bus, alerts.NewLogSink(logger))
		if err != nil {
			logger.Fatalf("initialise alerts: %v", err)
		}
		if err := alertDispatcher.Start(); err != nil {
			logger.Fatalf("start alerts: %v", err)
		}
	}

	var activeUsers *fetcher.ActiveUsers
	if appCfg.Fetcher.Enabled {
		rest := apify.NewRestClient(appCfg.Upstream.BaseURL, appCfg.Upstream.Token, appCfg.Fetcher.RequestTimeout.StdDuration())
		activeUsers = fetcher.NewActiveUsers(rest, appCfg.Fetcher, users.setActive)
		activeUsers.StartPeriodicRefresh(ctx, 0)
		logger.Printf("active-users refresh started: interval=%s", appCfg.Fetcher.RefreshInterval.StdDuration())
	}

	if err := core.Start(ctx); err != nil {
		logger.Fatalf("start stream engine: %v", err)
	}
	logger.Printf("stream engine connected: endpoint=%s", core.Stats().CurrentEndpoint)

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg, core, pipeline, alertDispatcher, hub)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("aviary started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		hub:        hub,
		core:       core,
		fetcher:    activeUsers,
		alerts:     alertDispatcher,
		console:    renderer,
		bus:        bus,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()
	return *cfgPath, *showVersion
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newAviaryLogger() *log.Logger {
	return log.New(os.Stdout, aviaryLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildFilterPipeline seeds the pipeline from startup configuration and
// returns the user-set merger that later feeds runtime and active-user
// updates into it.
func buildFilterPipeline(logger *log.Logger, cfg config.UpstreamConfig) (*filter.Pipeline, *userSetMerger) {
	pipeline := filter.NewPipeline()

	keywords, err := filter.ValidateKeywords(cfg.Keywords)
	if err != nil {
		logger.Fatalf("invalid keywords: %v", err)
	}
	pipeline.SetKeywords(keywords)

	users := &userSetMerger{pipeline: pipeline, configured: cfg.Users}
	users.apply()
	return pipeline, users
}

func buildSubscriptionStore(cfg config.UpstreamConfig) (*config.SubscriptionStore, error) {
	initial, err := config.SubscriptionFromStrings(cfg.Channels, cfg.Users)
	if err != nil {
		return nil, err
	}
	initial.Mode = config.ModeIdle
	initial.Source = config.SourceConfig
	return config.NewSubscriptionStore(initial)
}

// userSetMerger unions the three user-set sources (startup config, runtime
// subscription, active-users fetcher) into the pipeline's user filter. The
// pipeline lower-cases and deduplicates, so the union stays raw here.
type userSetMerger struct {
	pipeline *filter.Pipeline

	mu         sync.Mutex
	configured []string
	runtime    []string
	active     []string
}

func (m *userSetMerger) setRuntime(users []string) {
	m.mu.Lock()
	m.runtime = users
	m.mu.Unlock()
	m.apply()
}

func (m *userSetMerger) setActive(users []string) {
	m.mu.Lock()
	m.active = users
	m.mu.Unlock()
	m.apply()
}

func (m *userSetMerger) apply() {
	m.mu.Lock()
	merged := make([]string, 0, len(m.configured)+len(m.runtime)+len(m.active))
	merged = append(merged, m.configured...)
	merged = append(merged, m.runtime...)
	merged = append(merged, m.active...)
	m.mu.Unlock()
	m.pipeline.SetUsers(merged)
}

func buildAPIServer(cfg config.AppConfig, core *engine.Core, pipeline *filter.Pipeline, alertDispatcher *alerts.Dispatcher, hub *dashboard.Hub) *http.Server {
	mux := http.NewServeMux()
	if hub != nil {
		mux.Handle("/ws", hub)
	}
	mux.Handle("/", httpserver.NewHandler(cfg.Environment, core, pipeline, alertDispatcher))

	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           mux,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	hub        *dashboard.Hub
	core       *engine.Core
	fetcher    *fetcher.ActiveUsers
	alerts     *alerts.Dispatcher
	console    *console.Renderer
	bus        eventbus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.hub != nil {
		shutdownStep("stopping dashboard hub", hubShutdownTimeout, cfg.hub.Stop)
	}

	if cfg.core != nil {
		shutdownStep("stopping stream engine", engineShutdownTimeout, cfg.core.Stop)
	}

	if cfg.fetcher != nil {
		shutdownStep("stopping active-users refresh", alertsShutdownTimeout, func(context.Context) error {
			cfg.fetcher.StopPeriodicRefresh()
			return nil
		})
	}

	if cfg.alerts != nil {
		shutdownStep("draining alert sinks", alertsShutdownTimeout, cfg.alerts.Stop)
	}

	if cfg.console != nil {
		cfg.console.Stop()
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
