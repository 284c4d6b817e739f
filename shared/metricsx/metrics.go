package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_decisions_total",
			Help: "Routing decisions by outcome (assigned, queued, failed).",
		},
		[]string{"tenant", "outcome"},
	)
	routingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routing_decision_latency_seconds",
			Help:    "Routing decision latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	waitQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routing_wait_queue_depth",
			Help: "Interactions waiting for capacity by team.",
		},
		[]string{"tenant", "team"},
	)
	agentLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_current_load",
			Help: "Concurrent interactions held by an agent.",
		},
		[]string{"tenant", "agent"},
	)
	slaReminders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sla_reminders_total",
			Help: "SLA reminders emitted by deadline kind.",
		},
		[]string{"kind"},
	)
	slaBreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sla_breaches_total",
			Help: "SLA breaches emitted by deadline kind.",
		},
		[]string{"kind"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Escalation requests by result (applied, skipped, dropped, failed).",
		},
		[]string{"result"},
	)
	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Outbound dispatch attempts by adapter and outcome.",
		},
		[]string{"channel", "adapter", "outcome"},
	)
	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "End-to-end outbound dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "result"},
	)
	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter by key scope (tenant, ip).",
		},
		[]string{"scope"},
	)
	outboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Outbox rows relayed to Kafka by result (delivered, retry, dead).",
		},
		[]string{"result"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures,
			routingDecisions, routingLatency, waitQueueDepth, agentLoad,
			slaReminders, slaBreaches, escalations,
			dispatchAttempts, dispatchLatency, rateLimited, outboxRelayed, asynqQueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncRoutingDecision(tenantID string, outcome string) {
	routingDecisions.WithLabelValues(tenantID, outcome).Inc()
}

func ObserveRoutingLatency(d time.Duration) {
	routingLatency.Observe(d.Seconds())
}

func SetWaitQueueDepth(tenantID string, teamID string, depth int) {
	waitQueueDepth.WithLabelValues(tenantID, teamID).Set(float64(depth))
}

func SetAgentLoad(tenantID string, agentID string, load int) {
	agentLoad.WithLabelValues(tenantID, agentID).Set(float64(load))
}

func IncSLAReminder(kind string) {
	slaReminders.WithLabelValues(kind).Inc()
}

func IncSLABreach(kind string) {
	slaBreaches.WithLabelValues(kind).Inc()
}

func IncEscalation(result string) {
	escalations.WithLabelValues(result).Inc()
}

func IncDispatchAttempt(channel string, adapter string, outcome string) {
	dispatchAttempts.WithLabelValues(channel, adapter, outcome).Inc()
}

func ObserveDispatchLatency(channel string, result string, d time.Duration) {
	dispatchLatency.WithLabelValues(channel, result).Observe(d.Seconds())
}

func IncRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

func IncOutboxRelayed(result string) {
	outboxRelayed.WithLabelValues(result).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
