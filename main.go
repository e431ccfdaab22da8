package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aubustou/plex-dlna-player/internal/bridge"
	"github.com/aubustou/plex-dlna-player/internal/buildinfo"
	"github.com/aubustou/plex-dlna-player/internal/config"
	"github.com/aubustou/plex-dlna-player/internal/diagnostics"
	"github.com/aubustou/plex-dlna-player/internal/discovery"
	"github.com/aubustou/plex-dlna-player/internal/httpapi"
	"github.com/aubustou/plex-dlna-player/internal/lifecycle"
	"github.com/aubustou/plex-dlna-player/internal/plex"
	"github.com/aubustou/plex-dlna-player/internal/registry"
	"github.com/aubustou/plex-dlna-player/internal/session"
	"github.com/aubustou/plex-dlna-player/internal/upnp"
)

const shutdownTimeout = 5 * time.Second

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Settings struct {
		HTTPPort       int    `json:"http_port"`
		NotifyInterval string `json:"notify_interval"`
		ConfigPath     string `json:"config_path"`
	} `json:"settings"`
	Environment diagnostics.EnvironmentReport `json:"environment"`
}

func main() {
	selfTest := flag.Bool("self-test", false, "probe the runtime environment, print a report and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "directory holding the config file and data store")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	logLevel := parseLogLevel(os.Getenv("PLEX_DLNA_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *selfTest {
		out := selfTestOutput{
			Environment: diagnostics.DetectEnvironment(settings.HostIP(), settings.DataFile(), discovery.BindAddr()),
		}
		out.Server.Name = settings.Product
		out.Server.Version = buildinfo.Version
		out.Settings.HTTPPort = settings.HTTPPort
		out.Settings.NotifyInterval = settings.NotifyInterval.String()
		out.Settings.ConfigPath = settings.ConfigPath

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	logger.Info("bridge_start",
		slog.String("version", buildinfo.Version),
		slog.Int("http_port", settings.HTTPPort),
		slog.String("host_ip", settings.HostIP()),
		slog.String("log_level", logLevel.String()),
	)

	store := config.NewStore(settings.DataFile())
	sessions := session.NewManager(store, nil, logger)
	defer sessions.Close()

	// The removal hook reaches components built after the registry; both are
	// assigned before any run loop starts.
	var br *bridge.Bridge
	var engine *discovery.Engine

	reg := registry.New(logger, func(device *upnp.Device, reason string) {
		logger.Info("device_removed",
			slog.String("uuid", device.UUID),
			slog.String("name", device.Name),
			slog.String("reason", reason),
		)
		br.NotifyDeviceDisconnected(runCtx, device)
		sessions.CloseSession(device.UUID)
		engine.Forget(device.LocationURL)
	})

	br = bridge.New(logger, settings, sessions, reg)

	engine = discovery.NewEngine(logger, settings.LocationURL, func(location string) {
		go resolveDevice(runCtx, logger, settings, store, reg, location)
	})

	identity := plex.DeviceIdentity{
		UUID:  machineIdentifier(),
		Name:  settings.Product,
		Model: settings.Product,
	}
	api := httpapi.NewServer(logger, br, sessions, identity)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.HTTPPort),
		Handler: api.Handler(),
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return br.Run(gctx) })
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	sessions.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("bridge_stopping", slog.String("reason", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("bridge_stopping", slog.String("reason", "shutdown_signal"))
}

// resolveDevice turns a discovered location into a registered device. Invalid
// or unreachable renderers are logged and skipped; discovery already dedups
// the location, so no retry storm follows.
func resolveDevice(ctx context.Context, logger *slog.Logger, settings *config.Settings, store *config.Store, reg *registry.Registry, location string) {
	device := upnp.NewDevice(location, upnp.Options{
		Logger:   logger,
		Settings: settings,
		Store:    store,
		Removals: reg,
	})

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := device.LoadDescription(loadCtx); err != nil {
		logger.Debug("discovered device skipped",
			slog.String("location", location), slog.Any("error", err))
		return
	}

	reg.Add(device)
	device.LoopSubscribe(ctx, 0)
	logger.Info("device_ready",
		slog.String("uuid", device.UUID),
		slog.String("name", device.Name),
		slog.String("ip", device.IP),
	)
}

func machineIdentifier() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return "plex-dlna-player-" + name
	}
	return "plex-dlna-player"
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid PLEX_DLNA_LOG_LEVEL=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
