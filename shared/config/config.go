package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int
	ServiceSecret   string

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr    string
	AsynqRedisPass    string
	AsynqRedisDB      int
	AsynqQueue        string
	AsynqConcurrency  int
	OutboxEnabled     bool
	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	AMQPURL      string
	AMQPExchange string
	// Channels bridged through RabbitMQ or Kafka, in addition to any webhook
	// adapters configured for them.
	AMQPChannels  []string
	KafkaChannels []string

	WebhookURLs      map[string][]string
	WebhookToken     string
	WebhookTimeoutMS int

	RulesPath        string
	RulesRedisPrefix string
	RulesReloadSec   int

	SLASweepMS          int
	SLAReminderPercents []int
	EscalationQueueSize int

	DispatchMaxAttempts        int
	DispatchAttemptsPerAdapter int
	DispatchBackoffBaseMS      int
	DispatchBackoffMaxMS       int
	DispatchAttemptTimeoutMS   int
	DispatchBudgetMS           int

	LockBackend   string
	LockShards    int
	LockTimeoutMS int

	InboundRateRPS   float64
	InboundRateBurst int

	// CORSOrigins lists browser origins allowed to call the API (agent
	// desktops). Empty disables CORS headers.
	CORSOrigins []string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		ServiceName:                serviceNameDefault,
		HTTPPort:                   httpPortDefault,
		LogLevel:                   "info",
		RequestTimeoutMS:           30000,
		JWKSTTLSeconds:             300,
		JWTClockSkewSec:            60,
		DBMaxConns:                 10,
		DBMinConns:                 1,
		DBConnMaxIdleSec:           300,
		DBConnMaxLifeSec:           1800,
		KafkaRetryMax:              5,
		KafkaWriteMS:               5000,
		AsynqQueue:                 "default",
		AsynqConcurrency:           10,
		OutboxScanSec:              5,
		OutboxBatchSize:            50,
		OutboxMaxAttempts:          20,
		InfluxTimeoutMS:            5000,
		AMQPExchange:               "channels.outbound",
		WebhookURLs:                map[string][]string{},
		WebhookTimeoutMS:           5000,
		RulesRedisPrefix:           "routing:rules:",
		RulesReloadSec:             10,
		SLASweepMS:                 2000,
		SLAReminderPercents:        []int{50, 80},
		EscalationQueueSize:        1024,
		DispatchMaxAttempts:        3,
		DispatchAttemptsPerAdapter: 2,
		DispatchBackoffBaseMS:      100,
		DispatchBackoffMaxMS:       2000,
		DispatchAttemptTimeoutMS:   3000,
		DispatchBudgetMS:           15000,
		LockBackend:                "memory",
		LockShards:                 64,
		LockTimeoutMS:              2000,
		InboundRateRPS:             50,
		InboundRateBurst:           100,
		OtelInsecure:               true,
		OtelSampleRatio:            1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		for k, v := range fileData {
			apply(&cfg, strings.ToUpper(strings.TrimSpace(k)), v, &problems)
		}
	} else {
		problems = append(problems, fileProblems...)
	}

	for _, key := range knownKeys {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			apply(&cfg, key, strings.TrimSpace(v), &problems)
		}
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" && strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		apply(&cfg, "HTTP_PORT", v, &problems)
	}

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	d := defaults(cfg.ServiceName, httpPortDefault)
	positive := []struct {
		field string
		value *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, d.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, d.JWKSTTLSeconds},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, d.DBMaxConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, d.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, d.DBConnMaxLifeSec},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, d.KafkaWriteMS},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, d.AsynqConcurrency},
		{"OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, d.OutboxScanSec},
		{"OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, d.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, d.OutboxMaxAttempts},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, d.InfluxTimeoutMS},
		{"WEBHOOK_TIMEOUT_MS", &cfg.WebhookTimeoutMS, d.WebhookTimeoutMS},
		{"RULES_RELOAD_SECONDS", &cfg.RulesReloadSec, d.RulesReloadSec},
		{"SLA_SWEEP_INTERVAL_MS", &cfg.SLASweepMS, d.SLASweepMS},
		{"ESCALATION_QUEUE_SIZE", &cfg.EscalationQueueSize, d.EscalationQueueSize},
		{"DISPATCH_MAX_ATTEMPTS", &cfg.DispatchMaxAttempts, d.DispatchMaxAttempts},
		{"DISPATCH_ATTEMPTS_PER_ADAPTER", &cfg.DispatchAttemptsPerAdapter, d.DispatchAttemptsPerAdapter},
		{"DISPATCH_BACKOFF_BASE_MS", &cfg.DispatchBackoffBaseMS, d.DispatchBackoffBaseMS},
		{"DISPATCH_BACKOFF_MAX_MS", &cfg.DispatchBackoffMaxMS, d.DispatchBackoffMaxMS},
		{"DISPATCH_ATTEMPT_TIMEOUT_MS", &cfg.DispatchAttemptTimeoutMS, d.DispatchAttemptTimeoutMS},
		{"DISPATCH_BUDGET_MS", &cfg.DispatchBudgetMS, d.DispatchBudgetMS},
		{"LOCK_SHARDS", &cfg.LockShards, d.LockShards},
		{"LOCK_TIMEOUT_MS", &cfg.LockTimeoutMS, d.LockTimeoutMS},
		{"INBOUND_RATE_BURST", &cfg.InboundRateBurst, d.InboundRateBurst},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.value = p.def
		}
	}

	nonNegative := []struct {
		field string
		value *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, d.JWTClockSkewSec},
		{"DB_MIN_CONNS", &cfg.DBMinConns, d.DBMinConns},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, d.KafkaRetryMax},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0},
	}
	for _, p := range nonNegative {
		if *p.value < 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be >= 0"})
			*p.value = p.def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DispatchBackoffMaxMS < cfg.DispatchBackoffBaseMS {
		*problems = append(*problems, Problem{Field: "DISPATCH_BACKOFF_MAX_MS", Message: "DISPATCH_BACKOFF_MAX_MS must be >= DISPATCH_BACKOFF_BASE_MS"})
		cfg.DispatchBackoffMaxMS = cfg.DispatchBackoffBaseMS
	}
	for _, pct := range cfg.SLAReminderPercents {
		if pct <= 0 || pct >= 100 {
			*problems = append(*problems, Problem{Field: "SLA_REMINDER_PERCENTS", Message: "SLA_REMINDER_PERCENTS must be within 1-99"})
			cfg.SLAReminderPercents = d.SLAReminderPercents
			break
		}
	}
	switch cfg.LockBackend {
	case "memory", "redis":
	default:
		*problems = append(*problems, Problem{Field: "LOCK_BACKEND", Message: "LOCK_BACKEND must be memory or redis"})
		cfg.LockBackend = d.LockBackend
	}
	if cfg.LockBackend == "redis" && cfg.RedisAddr == "" {
		*problems = append(*problems, Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required when LOCK_BACKEND=redis"})
	}
	if len(cfg.AMQPChannels) > 0 && cfg.AMQPURL == "" {
		*problems = append(*problems, Problem{Field: "AMQP_URL", Message: "AMQP_URL is required when AMQP_CHANNELS is set"})
	}
	if len(cfg.KafkaChannels) > 0 && len(cfg.KafkaBrokers) == 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when KAFKA_CHANNELS is set"})
	}
	if cfg.InboundRateRPS <= 0 {
		*problems = append(*problems, Problem{Field: "INBOUND_RATE_RPS", Message: "INBOUND_RATE_RPS must be > 0"})
		cfg.InboundRateRPS = d.InboundRateRPS
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

var knownKeys = []string{
	"SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL", "JWKS_CACHE_TTL_SECONDS", "JWT_CLOCK_SKEW_SECONDS", "SERVICE_TOKEN_SECRET",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS",
	"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB", "ASYNQ_QUEUE", "ASYNQ_CONCURRENCY",
	"OUTBOX_ENABLED", "OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS",
	"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET", "INFLUX_TIMEOUT_MS",
	"AMQP_URL", "AMQP_EXCHANGE", "AMQP_CHANNELS", "KAFKA_CHANNELS",
	"WEBHOOK_URLS", "WEBHOOK_TOKEN", "WEBHOOK_TIMEOUT_MS",
	"RULES_PATH", "RULES_REDIS_PREFIX", "RULES_RELOAD_SECONDS",
	"SLA_SWEEP_INTERVAL_MS", "SLA_REMINDER_PERCENTS", "ESCALATION_QUEUE_SIZE",
	"DISPATCH_MAX_ATTEMPTS", "DISPATCH_ATTEMPTS_PER_ADAPTER", "DISPATCH_BACKOFF_BASE_MS", "DISPATCH_BACKOFF_MAX_MS",
	"DISPATCH_ATTEMPT_TIMEOUT_MS", "DISPATCH_BUDGET_MS",
	"LOCK_BACKEND", "LOCK_SHARDS", "LOCK_TIMEOUT_MS",
	"INBOUND_RATE_RPS", "INBOUND_RATE_BURST", "CORS_ALLOWED_ORIGINS",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
}

// apply sets one key from either the JSON config file (typed values) or the
// environment (strings). Unknown keys are ignored.
func apply(cfg *Config, key string, v any, problems *[]Problem) {
	setInt := func(dst *int) {
		if i, ok := asInt(v); ok {
			*dst = i
		} else {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		}
	}
	setBool := func(dst *bool) {
		if b, ok := v.(bool); ok {
			*dst = b
			return
		}
		if s, ok := v.(string); ok {
			if b, ok := asBool(s); ok {
				*dst = b
				return
			}
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
	setFloat := func(dst *float64) {
		if f, ok := asFloat(v); ok {
			*dst = f
		} else {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		}
	}
	setString := func(dst *string) {
		if s, ok := v.(string); ok {
			*dst = strings.TrimSpace(s)
		}
	}
	setList := func(dst *[]string) {
		switch t := v.(type) {
		case string:
			*dst = parseCSV(t)
		case []any:
			*dst = parseAnyCSV(t)
		default:
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a list"})
		}
	}

	switch key {
	case "ENV":
		setString(&cfg.Env)
	case "SERVICE_NAME":
		setString(&cfg.ServiceName)
	case "HTTP_PORT":
		setInt(&cfg.HTTPPort)
	case "LOG_LEVEL":
		setString(&cfg.LogLevel)
	case "REQUEST_TIMEOUT_MS":
		setInt(&cfg.RequestTimeoutMS)
	case "OIDC_ISSUER":
		setString(&cfg.OIDCIssuer)
	case "OIDC_AUDIENCE":
		setString(&cfg.OIDCAudience)
	case "OIDC_JWKS_URL":
		setString(&cfg.OIDCJWKSURL)
	case "JWKS_CACHE_TTL_SECONDS":
		setInt(&cfg.JWKSTTLSeconds)
	case "JWT_CLOCK_SKEW_SECONDS":
		setInt(&cfg.JWTClockSkewSec)
	case "SERVICE_TOKEN_SECRET":
		setString(&cfg.ServiceSecret)
	case "DATABASE_URL":
		setString(&cfg.DatabaseURL)
	case "DB_MAX_CONNS":
		setInt(&cfg.DBMaxConns)
	case "DB_MIN_CONNS":
		setInt(&cfg.DBMinConns)
	case "DB_CONN_MAX_IDLE_SECONDS":
		setInt(&cfg.DBConnMaxIdleSec)
	case "DB_CONN_MAX_LIFETIME_SECONDS":
		setInt(&cfg.DBConnMaxLifeSec)
	case "KAFKA_BROKERS":
		setList(&cfg.KafkaBrokers)
	case "KAFKA_CLIENT_ID":
		setString(&cfg.KafkaClientID)
	case "KAFKA_CONSUMER_GROUP":
		setString(&cfg.KafkaGroupID)
	case "KAFKA_RETRY_MAX":
		setInt(&cfg.KafkaRetryMax)
	case "KAFKA_WRITE_TIMEOUT_MS":
		setInt(&cfg.KafkaWriteMS)
	case "REDIS_ADDR":
		setString(&cfg.RedisAddr)
	case "REDIS_PASSWORD":
		if s, ok := v.(string); ok {
			cfg.RedisPassword = s
		}
	case "REDIS_DB":
		setInt(&cfg.RedisDB)
	case "ASYNQ_REDIS_ADDR":
		setString(&cfg.AsynqRedisAddr)
	case "ASYNQ_REDIS_PASSWORD":
		if s, ok := v.(string); ok {
			cfg.AsynqRedisPass = s
		}
	case "ASYNQ_REDIS_DB":
		setInt(&cfg.AsynqRedisDB)
	case "ASYNQ_QUEUE":
		setString(&cfg.AsynqQueue)
	case "ASYNQ_CONCURRENCY":
		setInt(&cfg.AsynqConcurrency)
	case "OUTBOX_ENABLED":
		setBool(&cfg.OutboxEnabled)
	case "OUTBOX_SCAN_INTERVAL_SECONDS":
		setInt(&cfg.OutboxScanSec)
	case "OUTBOX_BATCH_SIZE":
		setInt(&cfg.OutboxBatchSize)
	case "OUTBOX_MAX_ATTEMPTS":
		setInt(&cfg.OutboxMaxAttempts)
	case "INFLUX_URL":
		setString(&cfg.InfluxURL)
	case "INFLUX_TOKEN":
		setString(&cfg.InfluxToken)
	case "INFLUX_ORG":
		setString(&cfg.InfluxOrg)
	case "INFLUX_BUCKET":
		setString(&cfg.InfluxBucket)
	case "INFLUX_TIMEOUT_MS":
		setInt(&cfg.InfluxTimeoutMS)
	case "AMQP_URL":
		setString(&cfg.AMQPURL)
	case "AMQP_EXCHANGE":
		setString(&cfg.AMQPExchange)
	case "AMQP_CHANNELS":
		setList(&cfg.AMQPChannels)
	case "KAFKA_CHANNELS":
		setList(&cfg.KafkaChannels)
	case "WEBHOOK_URLS":
		urls, err := parseChannelURLs(v)
		if err != nil {
			*problems = append(*problems, Problem{Field: key, Message: err.Error()})
		} else {
			cfg.WebhookURLs = urls
		}
	case "WEBHOOK_TOKEN":
		if s, ok := v.(string); ok {
			cfg.WebhookToken = s
		}
	case "WEBHOOK_TIMEOUT_MS":
		setInt(&cfg.WebhookTimeoutMS)
	case "RULES_PATH":
		setString(&cfg.RulesPath)
	case "RULES_REDIS_PREFIX":
		setString(&cfg.RulesRedisPrefix)
	case "RULES_RELOAD_SECONDS":
		setInt(&cfg.RulesReloadSec)
	case "SLA_SWEEP_INTERVAL_MS":
		setInt(&cfg.SLASweepMS)
	case "SLA_REMINDER_PERCENTS":
		var raw []string
		setList(&raw)
		pcts := make([]int, 0, len(raw))
		for _, item := range raw {
			p, err := strconv.Atoi(item)
			if err != nil {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a list of integers"})
				return
			}
			pcts = append(pcts, p)
		}
		cfg.SLAReminderPercents = pcts
	case "ESCALATION_QUEUE_SIZE":
		setInt(&cfg.EscalationQueueSize)
	case "DISPATCH_MAX_ATTEMPTS":
		setInt(&cfg.DispatchMaxAttempts)
	case "DISPATCH_ATTEMPTS_PER_ADAPTER":
		setInt(&cfg.DispatchAttemptsPerAdapter)
	case "DISPATCH_BACKOFF_BASE_MS":
		setInt(&cfg.DispatchBackoffBaseMS)
	case "DISPATCH_BACKOFF_MAX_MS":
		setInt(&cfg.DispatchBackoffMaxMS)
	case "DISPATCH_ATTEMPT_TIMEOUT_MS":
		setInt(&cfg.DispatchAttemptTimeoutMS)
	case "DISPATCH_BUDGET_MS":
		setInt(&cfg.DispatchBudgetMS)
	case "LOCK_BACKEND":
		if s, ok := v.(string); ok {
			cfg.LockBackend = strings.ToLower(strings.TrimSpace(s))
		}
	case "LOCK_SHARDS":
		setInt(&cfg.LockShards)
	case "LOCK_TIMEOUT_MS":
		setInt(&cfg.LockTimeoutMS)
	case "INBOUND_RATE_RPS":
		setFloat(&cfg.InboundRateRPS)
	case "INBOUND_RATE_BURST":
		setInt(&cfg.InboundRateBurst)
	case "CORS_ALLOWED_ORIGINS":
		setList(&cfg.CORSOrigins)
	case "OTEL_ENABLED":
		setBool(&cfg.OtelEnabled)
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		setString(&cfg.OtelEndpoint)
	case "OTEL_EXPORTER_OTLP_INSECURE":
		setBool(&cfg.OtelInsecure)
	case "OTEL_SAMPLE_RATIO":
		setFloat(&cfg.OtelSampleRatio)
	}
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) SLASweepInterval() time.Duration {
	return time.Duration(c.SLASweepMS) * time.Millisecond
}

func (c Config) RulesReloadInterval() time.Duration {
	return time.Duration(c.RulesReloadSec) * time.Second
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

// parseChannelURLs accepts "email=https://a|https://b;sms=https://c" from the
// environment or {"email": ["https://a", "https://b"]} from the config file.
func parseChannelURLs(v any) (map[string][]string, error) {
	out := map[string][]string{}
	switch t := v.(type) {
	case string:
		for _, entry := range strings.Split(t, ";") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			channel, urls, ok := strings.Cut(entry, "=")
			channel = strings.ToLower(strings.TrimSpace(channel))
			if !ok || channel == "" {
				return nil, errors.New("WEBHOOK_URLS entries must be channel=url|url")
			}
			for _, u := range strings.Split(urls, "|") {
				if u = strings.TrimSpace(u); u != "" {
					out[channel] = append(out[channel], u)
				}
			}
		}
	case map[string]any:
		for channel, raw := range t {
			list, ok := raw.([]any)
			if !ok {
				return nil, errors.New("WEBHOOK_URLS values must be lists")
			}
			out[strings.ToLower(strings.TrimSpace(channel))] = parseAnyCSV(list)
		}
	default:
		return nil, errors.New("WEBHOOK_URLS must be a string or object")
	}
	return out, nil
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		switch t := item.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
