package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/deathqueue"
	"github.com/basket/gatekeeper/internal/gateway"
	"github.com/basket/gatekeeper/internal/grouppolicy"
	"github.com/basket/gatekeeper/internal/locales"
	otelPkg "github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/rediskv"
	"github.com/basket/gatekeeper/internal/sweeper"
	"github.com/basket/gatekeeper/internal/telegram"
	"github.com/basket/gatekeeper/internal/telemetry"
	"github.com/basket/gatekeeper/internal/turnstile"
	"github.com/basket/gatekeeper/internal/verify"
	"github.com/basket/gatekeeper/internal/webapp"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the join gate (Telegram update loop, HTTP API, sweeper)
  %s status          Show daemon health status (/healthz)
  %s queue [-json]   List pending join requests and unpassed challenges
  %s doctor [-json]  Run diagnostic checks
  %s audit [-decision deny] [-limit N] [-json]
                    Show recent audit decisions
  %s backup <dest>   Write an online copy of the database

ENVIRONMENT VARIABLES:
  GATEKEEPER_HOME             Data directory (default: ~/.gatekeeper)
  GATEKEEPER_TELEGRAM_TOKEN   Bot token
  GATEKEEPER_CHALLENGE_URL    Page the challenge button opens
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "queue":
			os.Exit(runQueueCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "audit":
			os.Exit(runAuditCommand(ctx, args[1:], os.Stdout))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so that a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logLevel := telemetry.NewLevelVar(cfg.LogLevel)
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())

	if cfg.Telegram.Token == "" {
		fatalStartup(logger, "E_CONFIG_INVALID", errors.New("telegram.token is required"))
	}
	if cfg.Telegram.ChallengeURL == "" {
		fatalStartup(logger, "E_CONFIG_INVALID", errors.New("telegram.challenge_url is required"))
	}
	if cfg.SigningSecret == "" {
		logger.Warn("signing_secret not set, challenge signatures are keyed by the bot token")
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "store_opened")

	var rdb *redis.Client
	if cfg.Queue.Backend == config.BackendRedis || cfg.PolicyCache.Backend == config.BackendRedis {
		rdb, err = rediskv.Open(ctx, cfg.Redis.URL)
		if err != nil {
			fatalStartup(logger, "E_REDIS_CONNECT", err)
		}
		logger.Info("startup phase", "phase", "redis_connected")
	}

	var queueStore deathqueue.Store = store
	if cfg.Queue.Backend == config.BackendRedis {
		queueStore = rediskv.NewQueueStore(rdb, "")
	}
	eventBus := bus.New()
	queue, err := deathqueue.NewManager(ctx, deathqueue.Options{
		Store:  queueStore,
		TTL:    cfg.TTL(),
		Logger: logger,
		Bus:    eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_QUEUE_REBUILD", err)
	}
	logger.Info("startup phase", "phase", "queue_rebuilt", "pending", queue.Len(), "backend", cfg.Queue.Backend)
	depthReg, err := otelPkg.RegisterQueueDepth(otelProvider.Meter, queue.Len)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	eventsDone := otelPkg.RecordJoinEvents(ctx, eventBus, metrics)

	var policyCache grouppolicy.Cache
	switch cfg.PolicyCache.Backend {
	case config.BackendRedis:
		policyCache = rediskv.NewCache(rdb, "gatekeeper:")
	case config.BackendMemory:
		policyCache = grouppolicy.NewMemoryCache()
	default:
		policyCache = grouppolicy.NewReadThrough(grouppolicy.NewMemoryCache(), grouppolicy.NewKVCache(store))
	}
	policies := grouppolicy.NewManager(policyCache, logger)

	catalog, err := locales.New(config.LocalesPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_LOCALES_LOAD", err)
	}

	tg, err := telegram.NewClient(telegram.ClientOptions{
		Token:    cfg.Telegram.Token,
		Endpoint: cfg.Telegram.Endpoint,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_TELEGRAM_AUTH", err)
	}
	logger.Info("startup phase", "phase", "telegram_authorized", "bot", tg.Self().UserName)

	svc, err := verify.New(verify.Config{
		Secret:          cfg.Secret(),
		TTL:             cfg.TTL(),
		Queue:           queue,
		History:         store,
		Approver:        tg,
		PayloadVerifier: webapp.NewVerifier(cfg.Telegram.Token, time.Duration(cfg.InitDataMaxAgeSeconds)*time.Second),
		Captcha:         turnstile.New(turnstile.Options{Endpoint: cfg.Cloudflare.Endpoint, Logger: logger}),
		CaptchaSecret:   cfg.Cloudflare.SecretKey,
		Locales:         catalog,
		Policies:        policies,
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_VERIFY_INIT", err)
	}

	bot, err := telegram.NewBot(telegram.BotConfig{
		Client:       tg,
		Queue:        queue,
		History:      store,
		Offsets:      store,
		Policies:     policies,
		Locales:      catalog,
		Secret:       cfg.Secret(),
		ChallengeURL: cfg.Telegram.ChallengeURL,
		PollTimeout:  time.Duration(cfg.Telegram.PollTimeoutSeconds) * time.Second,
		Logger:       logger,
		Bus:          eventBus,
		Metrics:      metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_TELEGRAM_INIT", err)
	}

	sched, err := sweeper.New(sweeper.Config{
		Queue:    queue,
		Expirer:  svc,
		Schedule: cfg.SweepSchedule,
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
		Retention: func(ctx context.Context) error {
			res, err := store.RunRetention(ctx, cfg.RetentionHistoryDays, cfg.RetentionAuditLogDays)
			if err != nil {
				return err
			}
			logger.Info("retention run", "purged_history", res.PurgedHistory, "purged_audit_logs", res.PurgedAuditLogs)
			return nil
		},
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}

	checks := map[string]gateway.HealthCheck{"db": store.Ping}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rediskv.Status(ctx, rdb) }
	}
	gw, err := gateway.New(gateway.Config{
		Verifier:          svc,
		Checks:            checks,
		QueueDepth:        queue.Len,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(watcher, catalog, cfg, logLevel, logger)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start(ctx)
	logger.Info("startup phase", "phase", "sweeper_started", "schedule", cfg.SweepSchedule)

	botCtx, cancelBot := context.WithCancel(context.Background())
	botDone := make(chan error, 1)
	go func() { botDone <- bot.Run(botCtx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	case err := <-botDone:
		logger.Error("telegram update loop exited", "error", err)
		botDone <- err
	}

	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	// 1. Stop intake.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// 2. Stop issuing challenges.
	cancelBot()
	select {
	case <-botDone:
	case <-shutdownCtx.Done():
		logger.Warn("telegram update loop did not stop in time")
	}
	// 3. Stop the sweeper; Stop waits for a running tick.
	stop()
	sched.Stop()
	// 4. Drain queue persistence.
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("queue close", "error", err)
	}
	eventBus.Close()
	<-eventsDone
	_ = depthReg.Unregister()
	if n := eventBus.Dropped(); n > 0 {
		logger.Warn("join events dropped by slow subscribers", "count", n)
	}
	// 5. Close stores.
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := store.Close(); err != nil {
		logger.Warn("store close", "error", err)
	}
	_ = otelProvider.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// watchConfig reloads the locale overrides and the log level when they
// change. Other settings need a restart; such changes are only reported.
func watchConfig(w *config.Watcher, catalog *locales.Catalog, running config.Config, level *slog.LevelVar, logger *slog.Logger) {
	for ev := range w.Events() {
		if ev.IsLocales() {
			if err := catalog.Reload(); err != nil {
				logger.Error("locales reload failed", "error", err)
				continue
			}
			logger.Info("locales reloaded", "languages", catalog.Languages())
			continue
		}
		next, err := config.Load()
		if err != nil {
			logger.Warn("config.yaml changed but does not load", "error", err)
			continue
		}
		if next.LogLevel != running.LogLevel {
			level.Set(telemetry.ParseLevel(next.LogLevel))
			logger.Info("log level changed", "from", running.LogLevel, "to", next.LogLevel)
			running.LogLevel = next.LogLevel
		}
		if fp := next.Fingerprint(); fp != running.Fingerprint() {
			logger.Warn("config.yaml changed, restart to apply", "running", running.Fingerprint(), "on_disk", fp)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Fatal, "runtime.startup", reasonCode, message)

	if logger == nil {
		logger = telemetry.NewStderrLogger("error")
	}
	logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	os.Exit(1)
}
