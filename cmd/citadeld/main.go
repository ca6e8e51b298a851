// Citadeld -- Citadel-style BBS daemon served over mesh radio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/command"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/logging"
	bbsmetrics "github.com/meshcitadel/meshcitadel/internal/metrics"
	"github.com/meshcitadel/meshcitadel/internal/radio"
	"github.com/meshcitadel/meshcitadel/internal/server"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	"github.com/meshcitadel/meshcitadel/internal/transport"
	appversion "github.com/meshcitadel/meshcitadel/internal/version"
	"github.com/meshcitadel/meshcitadel/internal/workflow"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// engineRestartBackoff separates device reopen attempts after the mesh
// engine dies without a usable handle.
const engineRestartBackoff = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "citadeld",
		Short:         "Citadel-style BBS daemon served over mesh radio",
		Version:       appversion.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	return cmd
}

func runDaemon(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("citadeld starting",
		slog.String("version", appversion.Version),
		slog.String("system_name", cfg.BBS.SystemName),
		slog.String("admin_socket", cfg.Transport.CLI.Socket),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("serial_port", cfg.Transport.MeshCore.SerialPort),
	)

	if err := run(cfg, configPath, logger); err != nil {
		logger.Error("citadeld exited with error",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("citadeld stopped")
	return nil
}

// run wires every component and drives the errgroup until a signal or a
// fatal error ends the daemon.
func run(cfg *config.Config, configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	db, err := storage.Open(cfg.Database.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedRooms(ctx, db, cfg, logger); err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}

	sessions := session.NewManager(cfg.Auth.SessionTimeout, logger)
	workflows := workflow.NewEngine(db, cfg, sessions, logger)

	authz := bbs.Authorizer{}
	if id, err := db.Rooms.GetIDByName(ctx, cfg.BBS.TwitRoom); err == nil {
		authz.TwitRoomID = id
	}
	processor := command.NewProcessor(&command.Env{
		DB:         db,
		Config:     cfg,
		Sessions:   sessions,
		Workflows:  workflows,
		Authorizer: authz,
		Logger:     logger,
	}, command.NewBuiltinRegistry())

	reg := prometheus.NewRegistry()
	collector := bbsmetrics.NewCollector(reg)
	collector.RegisterSessionGauge(sessions.Count)

	admin := server.New(cfg.Transport.CLI.Socket, db, sessions, processor, logger)
	if err := admin.Start(); err != nil {
		return fmt.Errorf("start admin socket: %w", err)
	}
	defer admin.Stop()

	// The running config is swapped by SIGHUP reload; the mesh engine
	// picks the latest copy up on its next (re)start.
	var running atomic.Pointer[config.Config]
	running.Store(cfg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run(gCtx)
		return nil
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)
		lc := net.ListenConfig{}
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
		})
	}

	g.Go(func() error {
		return runMeshEngine(gCtx, db, &running, sessions, workflows, processor, admin, collector, logger)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, &running, logger)
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// seedRooms guarantees the rooms the board cannot function without: the
// configured starting room and the Mail room.
func seedRooms(ctx context.Context, db *storage.DB, cfg *config.Config, logger *slog.Logger) error {
	seeds := []struct {
		name     string
		desc     string
		minLevel bbs.PermissionLevel
	}{
		{cfg.BBS.StartingRoom, "Where everyone lands.", bbs.PermUnverified},
		{bbs.MailRoomName, "Private mail.", bbs.PermUser},
	}
	for _, s := range seeds {
		if _, err := db.Rooms.GetIDByName(ctx, s.name); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if _, err := db.Rooms.Create(ctx, s.name, s.desc, false, s.minLevel, 0); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
			return err
		}
		logger.Info("created room", slog.String("name", s.name))
	}
	return nil
}

// -------------------------------------------------------------------------
// Mesh Engine — supervisor restart loop
// -------------------------------------------------------------------------

// runMeshEngine opens the radio device and runs the transport supervisor,
// rebuilding both after a watchdog expiry. The admin socket's sender is
// swapped in and out around each engine incarnation so "send" degrades to
// an error instead of a hang while the engine is down.
func runMeshEngine(
	ctx context.Context,
	db *storage.DB,
	running *atomic.Pointer[config.Config],
	sessions *session.Manager,
	workflows *workflow.Engine,
	processor *command.Processor,
	admin *server.Server,
	collector *bbsmetrics.Collector,
	logger *slog.Logger,
) error {
	for {
		cfg := running.Load()
		dev, err := radio.OpenDevice(ctx, radio.Params{
			SerialPort: cfg.Transport.MeshCore.SerialPort,
			BaudRate:   cfg.Transport.MeshCore.BaudRate,
		}, logger)
		if errors.Is(err, radio.ErrNoDriver) {
			logger.Warn("no radio driver linked into this build, mesh engine disabled; admin socket only")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("open radio device",
				slog.String("serial_port", cfg.Transport.MeshCore.SerialPort),
				slog.String("error", err.Error()),
			)
			if !sleepCtx(ctx, engineRestartBackoff) {
				return nil
			}
			continue
		}

		sup := transport.NewSupervisor(dev, db, cfg, sessions, workflows, processor, logger,
			transport.WithProtocolMetrics(collector),
			transport.WithRouterMetrics(collector),
		)
		admin.SetSender(sup.Handler())
		runErr := sup.Run(ctx)
		admin.SetSender(nil)

		if errors.Is(runErr, transport.ErrWatchdogExpired) {
			collector.EngineRestarted()
			logger.Error("mesh engine watchdog expired, restarting engine")
			if !sleepCtx(ctx, engineRestartBackoff) {
				return nil
			}
			continue
		}
		return runErr
	}
}

// sleepCtx sleeps for d, returning false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd
// documentation. If the watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload
// -------------------------------------------------------------------------

// handleSIGHUP reloads the configuration on SIGHUP. Reboot-only keys keep
// their running values; transport settings take effect on the next mesh
// engine restart. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	running *atomic.Pointer[config.Config],
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := config.Reload(configPath, running.Load())
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}
			running.Store(newCfg)
			logger.Info("configuration reloaded",
				slog.String("log_level", newCfg.Logging.LogLevel),
				slog.Duration("session_timeout", newCfg.Auth.SessionTimeout),
				slog.Duration("advert_interval", newCfg.Transport.MeshCore.AdvertInterval),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown + Server Setup
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the metrics server. The
// parent context is already cancelled when this runs; a fresh timeout
// context is derived for the drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if metricsSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// listenAndServe creates a TCP listener via the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates the Prometheus metrics endpoint server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}
