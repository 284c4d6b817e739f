package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"omnichannel-routing-system/core/internal/api"
	"omnichannel-routing-system/core/internal/channels/kafkachan"
	"omnichannel-routing-system/core/internal/channels/webhook"
	"omnichannel-routing-system/core/internal/dispatch"
	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/interactions"
	"omnichannel-routing-system/core/internal/middleware"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/repos"
	"omnichannel-routing-system/core/internal/routing"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/core/internal/sla"
	"omnichannel-routing-system/core/internal/workforce"
	"omnichannel-routing-system/shared/config"
	"omnichannel-routing-system/shared/dbx"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
	"omnichannel-routing-system/shared/mqx"
	"omnichannel-routing-system/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

var publicPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

func skipPublic(r *http.Request) bool { return publicPaths[r.URL.Path] }

func main() {
	_ = godotenv.Load()
	cfg, readyProblems := config.Load("core", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(ctx, observability.TracerConfigFrom(cfg))
		if err != nil {
			logger.Error(ctx, "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	d := openDeps(ctx, cfg, logger, &readyProblems)
	defer d.close()

	locker := newLocker(cfg, d)

	regOpts := registry.Options{Locker: locker, Logger: logger.With(slog.String("component", "registry"))}
	var workforceRepo *repos.WorkforceRepo
	if d.pool != nil {
		workforceRepo = repos.NewWorkforceRepo(d.pool)
		regOpts.Persister = workforceRepo
	}
	reg := registry.New(regOpts)
	if workforceRepo != nil {
		teams, agents, err := workforceRepo.LoadAll(ctx)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to load workforce: " + err.Error()})
		} else {
			reg.Restore(teams, agents)
		}
	}

	ruleStore := rules.NewStore()
	source, redisSource, err := newRuleSource(cfg, d)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "RULES_PATH", Message: err.Error()})
	}
	var reloader *rules.Reloader
	if source != nil {
		reloader = rules.NewReloader(ruleStore, source, cfg.RulesReloadInterval(), logger.With(slog.String("component", "rules")))
		if _, err := reloader.Reload(ctx); err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "RULES_PATH", Message: "initial rules load failed: " + err.Error()})
		}
	}

	engine := routing.NewEngine(ruleStore, reg, nil, logger.With(slog.String("component", "routing")))
	bus := eventbus.New(newEmitter(cfg, d), logger.With(slog.String("component", "eventbus")))
	monitor := sla.New(sla.Options{
		Bus:              bus,
		Logger:           logger.With(slog.String("component", "sla")),
		ReminderPercents: cfg.SLAReminderPercents,
		SweepInterval:    cfg.SLASweepInterval(),
		QueueSize:        cfg.EscalationQueueSize,
	})

	orch := dispatch.New(dispatch.OptionsFromConfig(cfg, logger.With(slog.String("component", "dispatch"))))
	adapterClosers, err := registerAdapters(cfg, d, orch)
	d.closers = append(d.closers, adapterClosers...)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "CHANNEL_WEBHOOKS", Message: err.Error()})
	}

	var store interactions.Store = interactions.NewMemoryStore()
	if d.pool != nil {
		store = repos.NewInteractionsRepo(d.pool)
	}
	mgr := interactions.NewManager(interactions.Options{
		Store:      store,
		Engine:     engine,
		Registry:   reg,
		SLA:        monitor,
		Dispatcher: orch,
		Bus:        bus,
		Locker:     locker,
		Logger:     logger.With(slog.String("component", "interactions")),
	})
	if n, err := mgr.Recover(ctx); err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to recover open interactions: " + err.Error()})
	} else if n > 0 {
		logger.Info(ctx, "interactions_recovered", "recovered open interactions", slog.Int("count", n))
	}

	receiver := webhook.NewReceiver()
	receiver.OnReceive(mgr.HandleInbound)

	apiOpts := api.Options{
		Manager:  mgr,
		Registry: reg,
		Engine:   engine,
		Rules:    ruleStore,
		Inbound:  receiver,
		Logger:   logger.With(slog.String("component", "api")),
	}
	if reloader != nil {
		apiOpts.Reloader = reloader
	}
	if redisSource != nil {
		apiOpts.Publisher = redisSource
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: invalid configuration",
				map[string]any{"problems": readyProblems})
			return
		}
		if d.pool != nil {
			if err := dbx.Ping(r.Context(), d.pool); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database unavailable", nil)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.NewServer(apiOpts).Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	var handler http.Handler = httpx.WrapServeMux(mux, notFound)
	if cfg.InboundRateRPS > 0 {
		limiter := middleware.NewKeyedLimiter(cfg.InboundRateRPS, cfg.InboundRateBurst, 2*time.Minute)
		handler = middleware.RateLimitMiddleware{Limiter: limiter, Skip: skipPublic}.Wrap(handler)
	}
	handler = middleware.TenantMiddleware{Skip: skipPublic}.Wrap(handler)
	if verifiers := newVerifiers(cfg, &readyProblems); len(verifiers) > 0 {
		handler = middleware.AuthMiddleware{Verifiers: verifiers, Skip: skipPublic}.Wrap(handler)
	} else {
		logger.Warn(ctx, "auth_disabled", "no token verifiers configured; requests are not authenticated",
			slog.String("error_code", "FAILED_PRECONDITION"),
		)
	}
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSOrigins, MaxAge: 10 * time.Minute, Skip: skipPublic}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: publicPaths}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return monitor.RunEscalations(gctx, mgr) })
	if reloader != nil {
		g.Go(func() error { return reloader.Run(gctx) })
	}
	if len(cfg.KafkaBrokers) > 0 {
		group := cfg.KafkaGroupID
		if group == "" {
			group = cfg.ServiceName
		}
		inbound := kafkachan.NewReceiver(logger.With(slog.String("component", "kafka-inbound")))
		inbound.OnReceive(mgr.HandleInbound)
		consumers := []struct {
			topic  string
			group  string
			handle func(context.Context, kafka.Message) error
		}{
			{events.TopicChannelInbound, group + "-inbound", inbound.Handle},
			{events.TopicWorkforceEvents, group + "-workforce", workforce.NewConsumer(reg, logger.With(slog.String("component", "workforce"))).Handle},
		}
		for _, c := range consumers {
			reader, err := mqx.NewConsumer(cfg, c.topic, c.group)
			if err != nil {
				readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: c.topic + ": " + err.Error()})
				continue
			}
			d.closers = append(d.closers, func() { _ = reader.Close() })
			g.Go(func() error {
				mqx.Consume(gctx, reader, c.group, c.handle, logger)
				return nil
			})
		}
	}

	g.Go(func() error {
		logger.Info(gctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Int("channels", len(orch.Channels())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown_signal", "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "server_failed", "server failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		exitCode = 1
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
	if exitCode != 0 {
		d.close()
		os.Exit(exitCode)
	}
}
