package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_dispatch_attempts_total",
			Help: "Total number of model invocation attempts",
		},
		[]string{"role", "provider", "model", "status"}, // status: success|transient|error|circuit_open|aborted
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrouter_dispatch_latency_seconds",
			Help:    "End-to-end dispatch call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"role"},
	)

	RoutingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_routing_outcomes_total",
			Help: "Routing decisions by outcome",
		},
		[]string{"role", "outcome"}, // outcome: success|retried|failed_over|exhausted
	)

	DispatchCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_dispatch_cost_usd",
			Help: "Total reconciled model cost in USD",
		},
		[]string{"role", "provider", "model"},
	)

	DispatchTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_dispatch_tokens_total",
			Help: "Total tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input|output
	)

	BudgetRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_budget_refusals_total",
			Help: "Dispatch attempts refused because the session budget was spent",
		},
		[]string{"role"},
	)

	// Circuit breaker metrics
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"backend", "from", "to"},
	)

	BreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrouter_circuit_breaker_open",
			Help: "Circuit breaker state (0=closed, 0.5=half-open, 1=open)",
		},
		[]string{"backend"},
	)

	// Session metrics
	Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_sessions_total",
			Help: "Collaboration sessions by strategy and final status",
		},
		[]string{"strategy", "status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrouter_stage_duration_seconds",
			Help:    "Collaboration stage duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "strategy"},
	)

	DebateRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentrouter_debate_rounds",
			Help:    "Debate rounds used per session",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
		},
	)

	// Audit metrics
	AuditSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_audit_sink_errors_total",
			Help: "Failed writes to audit sinks",
		},
		[]string{"sink", "operation"},
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"}, // database: postgres|sqlite|clickhouse|redis
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrouter_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"database", "operation"},
	)

	// System metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_kafka_messages_total",
			Help: "Total Kafka messages produced",
		},
		[]string{"topic", "status"},
	)

	StreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrouter_stream_connections",
			Help: "Current number of session stream websocket connections",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_notifications_total",
			Help: "Session verdict notifications sent",
		},
		[]string{"channel", "status"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_http_requests_total",
			Help: "API requests by route pattern and status code",
		},
		[]string{"route", "code"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrouter_http_request_duration_seconds",
			Help:    "API request latency, excluding websocket streams",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	// Dispatch metrics
	prometheus.MustRegister(DispatchAttempts)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(RoutingOutcomes)
	prometheus.MustRegister(DispatchCost)
	prometheus.MustRegister(DispatchTokens)
	prometheus.MustRegister(BudgetRefusals)

	// Circuit breaker metrics
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(BreakerOpen)

	// Session metrics
	prometheus.MustRegister(Sessions)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(DebateRounds)

	// Audit and storage
	prometheus.MustRegister(AuditSinkErrors)
	prometheus.MustRegister(DBQueries)
	prometheus.MustRegister(DBQueryDuration)

	// System metrics
	prometheus.MustRegister(KafkaMessages)
	prometheus.MustRegister(StreamConnections)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPDuration)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAttempt records one invocation attempt
func RecordAttempt(role, provider, model, status string) {
	DispatchAttempts.WithLabelValues(role, provider, model, status).Inc()
}

// RecordDispatch records a finished dispatch call
func RecordDispatch(role, outcome string, latency time.Duration) {
	RoutingOutcomes.WithLabelValues(role, outcome).Inc()
	DispatchLatency.WithLabelValues(role).Observe(latency.Seconds())
}

// RecordUsage records reconciled cost and token usage of a successful call
func RecordUsage(role, provider, model string, cost float64, tokensIn, tokensOut int) {
	if cost > 0 {
		DispatchCost.WithLabelValues(role, provider, model).Add(cost)
	}
	if tokensIn > 0 {
		DispatchTokens.WithLabelValues(provider, model, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		DispatchTokens.WithLabelValues(provider, model, "output").Add(float64(tokensOut))
	}
}

// RecordBreakerTransition records a circuit breaker state change
func RecordBreakerTransition(backend, from, to string) {
	BreakerTransitions.WithLabelValues(backend, from, to).Inc()

	value := 0.0
	switch to {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	BreakerOpen.WithLabelValues(backend).Set(value)
}

// RecordSession records a session reaching a terminal status
func RecordSession(strategy, status string, debateRounds int) {
	Sessions.WithLabelValues(strategy, status).Inc()
	DebateRounds.Observe(float64(debateRounds))
}

// RecordStage records how long a stage took
func RecordStage(stage, strategy string, duration time.Duration) {
	StageDuration.WithLabelValues(stage, strategy).Observe(duration.Seconds())
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	DBQueries.WithLabelValues(database, operation, status).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// RecordKafkaMessage records a produced message
func RecordKafkaMessage(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KafkaMessages.WithLabelValues(topic, status).Inc()
}

// RecordNotification records a verdict notification attempt
func RecordNotification(channel string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	Notifications.WithLabelValues(channel, status).Inc()
}

// RecordHTTPRequest records one API request. Streams report only the count.
func RecordHTTPRequest(route string, code int, duration time.Duration, stream bool) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	if !stream {
		HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
	}
}
