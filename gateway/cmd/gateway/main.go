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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"omnichannel-routing-system/gateway/internal/ingress"
	"omnichannel-routing-system/gateway/internal/routing"
	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/config"
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

func main() {
	_ = godotenv.Load()
	cfg, readyProblems := config.Load("gateway", 8090)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	routesPath := strings.TrimSpace(os.Getenv("GATEWAY_ROUTES_PATH"))
	if routesPath == "" {
		if p, err := routing.DefaultRoutesPath(cfg.Env); err == nil {
			routesPath = p
		} else {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "failed to resolve default routes path"})
		}
	}

	var resolver routing.Resolver
	if routesPath != "" {
		var err error
		resolver, err = routing.Load(routesPath)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: err.Error()})
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "routes config path is required"})
	}

	publishers, closeProducers, problems := openProducers(cfg, resolver)
	readyProblems = append(readyProblems, problems...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	var verifier authx.Verifier
	if cfg.ServiceSecret != "" {
		v, err := authx.NewHMACVerifier(cfg.ServiceSecret, "", "")
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "SERVICE_TOKEN_SECRET", Message: err.Error()})
		} else {
			verifier = v
		}
	}
	mux.Handle("POST /v1/channels/{channel}/inbound", &ingress.Handler{
		Resolver:  resolver,
		Producers: publishers,
		Verifier:  verifier,
		Logger:    logger,
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("routes_path", routesPath),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	closeProducers()
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// openProducers dials one producer per routed cluster. Clusters that fail
// to initialize are reported as readiness problems and left unrouted, so
// their tenants get 503 until the gateway restarts.
func openProducers(cfg config.Config, resolver routing.Resolver) (map[string]ingress.Publisher, func(), []config.Problem) {
	publishers := make(map[string]ingress.Publisher, len(resolver.Config.Clusters))
	var opened []*mqx.Producer
	var problems []config.Problem
	for name, cluster := range resolver.Config.Clusters {
		clusterCfg := cfg
		clusterCfg.KafkaBrokers = cluster.Brokers
		clusterCfg.KafkaClientID = strings.TrimSpace(cluster.ClientID)
		if clusterCfg.KafkaClientID == "" {
			clusterCfg.KafkaClientID = cfg.ServiceName + "-" + name
		}
		producer, err := mqx.NewProducer(clusterCfg)
		if err != nil {
			problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: fmt.Sprintf("cluster %s: %v", name, err)})
			continue
		}
		publishers[name] = producer
		opened = append(opened, producer)
	}
	return publishers, func() {
		for _, p := range opened {
			_ = p.Close()
		}
	}, problems
}
