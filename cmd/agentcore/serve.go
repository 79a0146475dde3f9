package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/avatar"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/chat"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/delivery"
	"github.com/basket/agentcore/internal/gateway"
	"github.com/basket/agentcore/internal/migrate"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/service"
	"github.com/basket/agentcore/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, cron driver and config watcher",
		Long:  "Opens the store, migrates it to the latest schema, then serves A2A, chat push and avatar files until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to <home>/logs only, not stdout")
	return cmd
}

// startupError is a failed startup phase, tagged with a reason code.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string { return e.Code + ": " + e.Err.Error() }

func (e *startupError) Unwrap() error { return e.Err }

func fatalStartup(ctx context.Context, logger *slog.Logger, code string, err error) error {
	audit.Record(ctx, "runtime", "runtime.startup", audit.Failed, code+": "+err.Error())
	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", err)
	}
	return &startupError{Code: code, Err: err}
}

func runServe(ctx context.Context, cfg *config.Config, quiet bool) error {
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(ctx, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(ctx, nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "missing", cfg.Missing)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	provider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricInterval: time.Duration(cfg.OTel.MetricIntervalSeconds) * time.Second,
	})
	if err != nil {
		return fatalStartup(ctx, logger.Logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(ctx, logger.Logger, "E_OTEL_INIT", err)
	}

	store, err := openStore(cfg, logger.Logger)
	if err != nil {
		return fatalStartup(ctx, logger.Logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	eventBus := bus.New()
	res, err := migrate.New(store, migrate.Options{Logger: logger.Logger, Metrics: metrics, Bus: eventBus}).MigrateToLatest(ctx)
	if err != nil {
		return fatalStartup(ctx, logger.Logger, "E_SCHEMA_MIGRATE", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "version", res.To, "fresh", res.Fresh, "applied", len(res.Applied))

	sched := scheduler.New(store, scheduler.Options{
		Logger:          logger.Logger,
		Metrics:         metrics,
		Bus:             eventBus,
		DefaultDuration: time.Duration(cfg.Scheduler.DefaultDurationSeconds) * time.Second,
	})
	svc := service.New(service.Deps{Store: store, Logger: logger.Logger, Metrics: metrics, Bus: eventBus, Scheduler: sched})

	sinks := []delivery.Sink{delivery.NewBus(eventBus)}
	if k := cfg.Delivery.Kafka; k.Enabled {
		sink, err := delivery.NewKafka(k.Brokers, k.Topic)
		if err != nil {
			return fatalStartup(ctx, logger.Logger, "E_KAFKA_INIT", err)
		}
		defer sink.Close()
		sinks = append(sinks, sink)
		logger.Info("kafka delivery enabled", "brokers", k.Brokers, "topic", k.Topic)
	}
	chats := chat.New(store, chat.Options{
		Logger:   logger.Logger,
		Metrics:  metrics,
		Delivery: delivery.NewFanout(logger.Logger, sinks...),
	})

	avatarOpts := avatar.Options{
		Logger:        logger.Logger,
		Metrics:       metrics,
		SystemDir:     cfg.Avatar.SystemDir,
		DataDir:       cfg.UserDataDir(),
		MaxImageMB:    cfg.Avatar.MaxImageMB,
		MaxVideoMB:    cfg.Avatar.MaxVideoMB,
		ThumbnailSize: cfg.Avatar.ThumbnailSize,
		BaseURL:       cfg.ServerBaseURL,
	}
	if cfg.Avatar.CloudBaseURL != "" {
		avatarOpts.Cloud = avatar.NewHTTPCloud(cfg.Avatar.CloudBaseURL, cfg.Avatar.CloudToken, nil)
		avatarOpts.AutoSync = true
	}
	avatars := avatar.New(store, avatarOpts)
	defer avatars.Wait()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger.Logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fatalStartup(ctx, logger.Logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if ev.Err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "error", ev.Err)
				continue
			}
			logger.SetLevel(ev.Config.LogLevel)
			if ev.Config.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config.yaml changed; restart to apply settings other than log_level",
					"fingerprint", ev.Config.Fingerprint())
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Services:          svc,
		Chat:              chats,
		Avatars:           avatars,
		Bus:               eventBus,
		Cfg:               cfg,
		Logger:            logger.Logger,
		Metrics:           metrics,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	gw.StartEviction(ctx)
	if cfg.A2AEnabled() {
		go gw.RunPushNotifier(ctx, nil)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (stop the other process or change bind_addr in config.yaml)", err)
		}
		return fatalStartup(ctx, logger.Logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "a2a", cfg.A2AEnabled(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	cronSched := cron.NewScheduler(cron.Config{
		Services:     svc,
		Logger:       logger.Logger,
		Interval:     time.Duration(cfg.Scheduler.CronIntervalSeconds) * time.Second,
		SweepSpec:    cfg.Scheduler.SweepCron,
		StaleTimeout: time.Duration(cfg.Scheduler.StaleVehicleMinutes) * time.Minute,
	})
	if err := cronSched.Start(ctx); err != nil {
		_ = server.Close()
		return fatalStartup(ctx, logger.Logger, "E_CRON_START", err)
	}
	defer cronSched.Stop()
	go runRetention(ctx, store, cfg.Retention, logger.Logger)
	logger.Info("startup phase", "phase", "ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return runErr
}

// runRetention purges old audit rows and read notifications hourly.
func runRetention(ctx context.Context, store *persistence.Store, rc config.RetentionConfig, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := store.RunRetention(ctx, rc.AuditLogDays, rc.NotificationDays)
			if err != nil {
				logger.Error("retention job failed", "error", err)
			} else if res.PurgedAuditLogs+res.PurgedNotifications > 0 {
				logger.Info("retention job completed",
					"purged_audit_logs", res.PurgedAuditLogs,
					"purged_notifications", res.PurgedNotifications)
			}
		}
	}
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}
