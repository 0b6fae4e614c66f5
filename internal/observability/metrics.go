// Package observability — metrics.go
//
// Prometheus metrics for the syscage agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: syscage_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - domain label takes one of three values: open, exec, connect.
//   - action label takes one of two values: allow, deny.
//   - PID is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for syscage.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ring buffer / event processing ──────────────────────────────────────

	// EventsProcessedTotal counts ring buffer samples decoded successfully.
	// Labels: domain (open, exec, connect)
	EventsProcessedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events dropped before reaching storage.
	// Labels: domain, reason (queue_full, decode_error, ringbuf_lost)
	EventsDroppedTotal *prometheus.CounterVec

	// EventQueueDepth is the current in-memory decoded-event queue depth.
	EventQueueDepth prometheus.Gauge

	// RingBufferLostSamplesTotal counts samples the kernel ring buffer
	// itself reports as lost (reader fell behind the writer).
	// Labels: domain
	RingBufferLostSamplesTotal *prometheus.CounterVec

	// ─── Policy verdicts ──────────────────────────────────────────────────────

	// PolicyVerdictsTotal counts policy decisions made in-kernel, as
	// reported by the decoded event stream.
	// Labels: domain, action (allow, deny)
	PolicyVerdictsTotal *prometheus.CounterVec

	// ExecCorrelationTotal counts bprm_check_security hook invocations that
	// did or did not find a matching pending_exec_args entry from the
	// execve tracepoint.
	// Labels: hit (true, false)
	ExecCorrelationTotal *prometheus.CounterVec

	// ─── Cgroup gate ──────────────────────────────────────────────────────────

	// CgroupMembersGauge is the current size of the monitored cgroup set.
	CgroupMembersGauge prometheus.Gauge

	// ─── Rule sets ────────────────────────────────────────────────────────────

	// RuleSetSize is the current number of compiled rules loaded, per domain.
	// Labels: domain
	RuleSetSize *prometheus.GaugeVec

	// RuleReloadsTotal counts successful rule file reloads.
	// Labels: domain
	RuleReloadsTotal *prometheus.CounterVec

	// RuleReloadFailuresTotal counts reload attempts rejected by validation.
	// Labels: domain
	RuleReloadFailuresTotal *prometheus.CounterVec

	// ─── Gossip ───────────────────────────────────────────────────────────────

	// GossipEnvelopesReceivedTotal counts received policy-sync envelopes.
	// Labels: accepted (true, false)
	GossipEnvelopesReceivedTotal *prometheus.CounterVec

	// GossipEnvelopesSentTotal counts sent policy-sync envelopes.
	GossipEnvelopesSentTotal prometheus.Counter

	// GossipTriggeredReloadsTotal counts local reloads triggered by a
	// peer's rule-set hash disagreeing with ours.
	GossipTriggeredReloadsTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageAuditEntries is the current number of audit events in BoltDB.
	StorageAuditEntries prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all syscage Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total ring buffer samples decoded successfully, by domain.",
		}, []string{"domain"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events dropped before reaching storage, by domain and reason.",
		}, []string{"domain", "reason"}),

		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syscage",
			Subsystem: "events",
			Name:      "queue_depth",
			Help:      "Current depth of the in-memory decoded-event queue.",
		}),

		RingBufferLostSamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "events",
			Name:      "ringbuf_lost_samples_total",
			Help:      "Total samples the kernel ring buffer reports as lost, by domain.",
		}, []string{"domain"}),

		PolicyVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "policy",
			Name:      "verdicts_total",
			Help:      "Total policy verdicts observed, by domain and action.",
		}, []string{"domain", "action"}),

		ExecCorrelationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "policy",
			Name:      "exec_correlation_total",
			Help:      "Total bprm_check_security invocations, by whether a pending_exec_args entry was found.",
		}, []string{"hit"}),

		CgroupMembersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syscage",
			Subsystem: "cgroup",
			Name:      "members",
			Help:      "Current size of the monitored cgroup set.",
		}),

		RuleSetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "syscage",
			Subsystem: "policy",
			Name:      "ruleset_size",
			Help:      "Current number of compiled rules loaded, by domain.",
		}, []string{"domain"}),

		RuleReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "policy",
			Name:      "reloads_total",
			Help:      "Total successful rule file reloads, by domain.",
		}, []string{"domain"}),

		RuleReloadFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "policy",
			Name:      "reload_failures_total",
			Help:      "Total rule reload attempts rejected by validation, by domain.",
		}, []string{"domain"}),

		GossipEnvelopesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "gossip",
			Name:      "envelopes_received_total",
			Help:      "Total policy-sync envelopes received, by acceptance status.",
		}, []string{"accepted"}),

		GossipEnvelopesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "gossip",
			Name:      "envelopes_sent_total",
			Help:      "Total policy-sync envelopes sent to peers.",
		}),

		GossipTriggeredReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscage",
			Subsystem: "gossip",
			Name:      "triggered_reloads_total",
			Help:      "Total local rule reloads triggered by a peer's disagreeing rule-set hash.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syscage",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageAuditEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syscage",
			Subsystem: "storage",
			Name:      "audit_entries",
			Help:      "Current number of audit events stored in BoltDB.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syscage",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.EventsProcessedTotal,
		m.EventsDroppedTotal,
		m.EventQueueDepth,
		m.RingBufferLostSamplesTotal,
		m.PolicyVerdictsTotal,
		m.ExecCorrelationTotal,
		m.CgroupMembersGauge,
		m.RuleSetSize,
		m.RuleReloadsTotal,
		m.RuleReloadFailuresTotal,
		m.GossipEnvelopesReceivedTotal,
		m.GossipEnvelopesSentTotal,
		m.GossipTriggeredReloadsTotal,
		m.StorageWriteLatency,
		m.StorageAuditEntries,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
