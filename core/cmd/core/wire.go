package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"omnichannel-routing-system/core/internal/channels/amqpchan"
	"omnichannel-routing-system/core/internal/channels/kafkachan"
	"omnichannel-routing-system/core/internal/channels/webhook"
	"omnichannel-routing-system/core/internal/dispatch"
	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/repos"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/cachex"
	"omnichannel-routing-system/shared/config"
	"omnichannel-routing-system/shared/dbx"
	"omnichannel-routing-system/shared/influxx"
	"omnichannel-routing-system/shared/lockx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/mqx"
)

// deps holds the optional infrastructure clients. Any of them may be nil
// when its configuration is absent.
type deps struct {
	pool     *pgxpool.Pool
	cache    *cachex.Client
	producer *mqx.Producer
	influx   *influxx.Client
	closers  []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDeps(ctx context.Context, cfg config.Config, logger logx.Logger, problems *[]config.Problem) *deps {
	d := &deps{}
	fail := func(field string, event string, err error) {
		*problems = append(*problems, config.Problem{Field: field, Message: err.Error()})
		logger.Error(ctx, event, "dependency init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("field", field),
			slog.String("error", err.Error()),
		)
	}

	if cfg.DatabaseURL != "" {
		pool, err := dbx.NewPool(cfg)
		if err != nil {
			fail("DATABASE_URL", "db_init_failed", err)
		} else if err := dbx.Migrate(ctx, pool, repos.Schema...); err != nil {
			pool.Close()
			fail("DATABASE_URL", "db_migrate_failed", err)
		} else {
			d.pool = pool
			d.closers = append(d.closers, pool.Close)
		}
	}
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			fail("REDIS_ADDR", "redis_init_failed", err)
		} else {
			d.cache = cache
			d.closers = append(d.closers, func() { _ = cache.Close() })
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			fail("KAFKA_BROKERS", "kafka_init_failed", err)
		} else {
			d.producer = producer
			d.closers = append(d.closers, func() { _ = producer.Close() })
		}
	}
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			fail("INFLUX_URL", "influx_init_failed", err)
		} else {
			d.influx = influx
			d.closers = append(d.closers, influx.Close)
		}
	}
	return d
}

func newLocker(cfg config.Config, d *deps) lockx.Locker {
	if cfg.LockBackend == "redis" && d.cache != nil {
		return lockx.NewRedisLocker(d.cache.Client(), "routing:lock:", 30*time.Second, cfg.LockTimeout())
	}
	return lockx.NewKeyedMutex(cfg.LockShards, cfg.LockTimeout())
}

// newEmitter fans events out to the outbox when Postgres is available, or
// straight to Kafka otherwise, plus Influx for analytics.
func newEmitter(cfg config.Config, d *deps) eventbus.Emitter {
	var sinks eventbus.Multi
	switch {
	case d.pool != nil && cfg.OutboxEnabled:
		sinks = append(sinks, eventbus.NewOutboxSink(repos.NewOutboxRepo(d.pool)))
	case d.producer != nil:
		sinks = append(sinks, eventbus.NewKafkaSink(d.producer))
	}
	if d.influx != nil {
		sinks = append(sinks, eventbus.NewInfluxSink(d.influx))
	}
	return sinks
}

// newRuleSource prefers the shared Redis source so every instance routes
// with the same rules.
func newRuleSource(cfg config.Config, d *deps) (rules.Source, *rules.RedisSource, error) {
	if cfg.RulesRedisPrefix != "" && d.cache != nil {
		src := rules.NewRedisSource(d.cache, cfg.RulesRedisPrefix)
		return src, src, nil
	}
	if cfg.RulesPath != "" {
		src, err := rules.NewFileSource(cfg.RulesPath)
		if err != nil {
			return nil, nil, err
		}
		return src, nil, nil
	}
	return nil, nil, nil
}

// registerAdapters builds the failover order per channel: webhook providers
// in configured order, then the RabbitMQ bridge, then the Kafka bridge.
func registerAdapters(cfg config.Config, d *deps, orch *dispatch.Orchestrator) ([]func(), error) {
	chains := map[string][]dispatch.Adapter{}
	var closers []func()

	channels := make([]string, 0, len(cfg.WebhookURLs))
	for ch := range cfg.WebhookURLs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	timeout := time.Duration(cfg.WebhookTimeoutMS) * time.Millisecond
	for _, ch := range channels {
		for i, url := range cfg.WebhookURLs[ch] {
			a, err := webhook.NewAdapter(fmt.Sprintf("%s-webhook-%d", ch, i+1), url, cfg.WebhookToken, timeout)
			if err != nil {
				return closers, fmt.Errorf("webhook %s: %w", ch, err)
			}
			chains[ch] = append(chains[ch], a)
		}
	}

	if len(cfg.AMQPChannels) > 0 && cfg.AMQPURL != "" {
		bridge, err := amqpchan.Dial("amqp-bridge", cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return closers, fmt.Errorf("amqp: %w", err)
		}
		closers = append(closers, func() { _ = bridge.Close() })
		for _, ch := range cfg.AMQPChannels {
			chains[ch] = append(chains[ch], bridge)
		}
	}

	if len(cfg.KafkaChannels) > 0 && d.producer != nil {
		bridge := kafkachan.NewAdapter("kafka-bridge", d.producer, "")
		for _, ch := range cfg.KafkaChannels {
			chains[ch] = append(chains[ch], bridge)
		}
	}

	for ch, adapters := range chains {
		orch.Register(ch, adapters...)
	}
	return closers, nil
}

func newVerifiers(cfg config.Config, problems *[]config.Problem) []authx.Verifier {
	var out []authx.Verifier
	if cfg.ServiceSecret != "" {
		v, err := authx.NewHMACVerifier(cfg.ServiceSecret, "", "")
		if err != nil {
			*problems = append(*problems, config.Problem{Field: "SERVICE_TOKEN_SECRET", Message: err.Error()})
		} else {
			out = append(out, v)
		}
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			*problems = append(*problems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			out = append(out, v)
		}
	}
	return out
}
