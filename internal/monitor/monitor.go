// Package monitor implements corvid's process-wide registry of live
// connections and listeners (spec.md §2 row N, Component N): counters and
// gauges shared across every Unit in the process, exposed over HTTP for
// Prometheus scraping and summarized for the admin "status" command.
// Grounded on infodancer-smtpd/infodancer-pop3d's internal/metrics package
// (PrometheusCollector struct + NewPrometheusServer's promhttp.Handler
// wiring), adapted to corvid's own connection/listener/delivery/filter
// counters in place of smtpd's SPF/DKIM/DMARC set, which corvid's Non-goals
// exclude.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor is the metrics registry a Unit's server, forwarder and admin
// components report into. A process hosting several Units (spec.md §4.8,
// "<prefix>-<key>" multi-unit configurations) shares a single Monitor.
type Monitor struct {
	reg *prometheus.Registry

	connectionsOpened   prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsActive   prometheus.Gauge
	listenersActive     prometheus.Gauge
	tlsEstablished      prometheus.Counter
	messagesReceived    prometheus.Counter
	messagesRejected    *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
	deliveriesCompleted *prometheus.CounterVec
	filterOutcomes      *prometheus.CounterVec
	forwardRuns         prometheus.Counter

	// Plain counters mirroring the metrics above, for Status()'s synchronous
	// snapshot: prometheus's own Gauge/Counter types expose no public getter,
	// and Status() (backing the admin "status" command) needs one.
	active    int64
	listeners int64
	opened    int64
	closed    int64
	received  int64
	forwards  int64

	server *http.Server
}

// New builds a Monitor with a fresh, private prometheus.Registry (not the
// default global one, so multiple Monitors - e.g. in tests - never collide).
func New() *Monitor {
	m := &Monitor{
		reg: prometheus.NewRegistry(),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_connections_opened_total",
			Help: "Total SMTP/POP connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_connections_closed_total",
			Help: "Total SMTP/POP connections closed.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corvid_connections_active",
			Help: "Currently open SMTP/POP connections.",
		}),
		listenersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corvid_listeners_active",
			Help: "Currently bound listening sockets.",
		}),
		tlsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_tls_established_total",
			Help: "Total TLS handshakes completed (STARTTLS or direct).",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_messages_received_total",
			Help: "Total messages committed to the spool.",
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_messages_rejected_total",
			Help: "Total messages rejected, by reason.",
		}, []string{"reason"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_auth_attempts_total",
			Help: "Total AUTH attempts, by mechanism and outcome.",
		}, []string{"mechanism", "outcome"}),
		deliveriesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_deliveries_completed_total",
			Help: "Total forwarding attempts, by result.",
		}, []string{"result"}),
		filterOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_filter_outcomes_total",
			Help: "Total filter/verifier dispatches, by outcome.",
		}, []string{"outcome"}),
		forwardRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_forward_runs_total",
			Help: "Total forwarding runs started (Unit idle->requested->running).",
		}),
	}

	m.reg.MustRegister(
		m.connectionsOpened, m.connectionsClosed, m.connectionsActive,
		m.listenersActive, m.tlsEstablished, m.messagesReceived,
		m.messagesRejected, m.authAttempts, m.deliveriesCompleted,
		m.filterOutcomes, m.forwardRuns,
	)
	return m
}

func (m *Monitor) ConnectionOpened() {
	m.connectionsOpened.Inc()
	m.connectionsActive.Inc()
	atomic.AddInt64(&m.active, 1)
	atomic.AddInt64(&m.opened, 1)
}

func (m *Monitor) ConnectionClosed() {
	m.connectionsClosed.Inc()
	m.connectionsActive.Dec()
	atomic.AddInt64(&m.active, -1)
	atomic.AddInt64(&m.closed, 1)
}

func (m *Monitor) ListenerAdded() {
	m.listenersActive.Inc()
	atomic.AddInt64(&m.listeners, 1)
}

func (m *Monitor) ListenerRemoved() {
	m.listenersActive.Dec()
	atomic.AddInt64(&m.listeners, -1)
}

func (m *Monitor) TLSEstablished() { m.tlsEstablished.Inc() }

func (m *Monitor) MessageReceived() {
	m.messagesReceived.Inc()
	atomic.AddInt64(&m.received, 1)
}

func (m *Monitor) MessageRejected(reason string) {
	m.messagesRejected.WithLabelValues(reason).Inc()
}

func (m *Monitor) AuthAttempt(mechanism string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.authAttempts.WithLabelValues(mechanism, outcome).Inc()
}

func (m *Monitor) DeliveryCompleted(result string) {
	m.deliveriesCompleted.WithLabelValues(result).Inc()
}

func (m *Monitor) FilterOutcome(outcome string) {
	m.filterOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Monitor) ForwardRunStarted() {
	m.forwardRuns.Inc()
	atomic.AddInt64(&m.forwards, 1)
}

// Status renders a multi-line snapshot for the admin "status" command
// (spec.md §4.9: "status  multi-line snapshot from Monitor").
func (m *Monitor) Status() string {
	return fmt.Sprintf(
		"listeners: %d\nconnections active: %d\nconnections opened: %d\nconnections closed: %d\nmessages received: %d\nforward runs: %d\n",
		atomic.LoadInt64(&m.listeners), atomic.LoadInt64(&m.active),
		atomic.LoadInt64(&m.opened), atomic.LoadInt64(&m.closed),
		atomic.LoadInt64(&m.received), atomic.LoadInt64(&m.forwards),
	)
}

// ListenAndServe exposes the registry at path on addr, blocking until the
// listener errors or Shutdown is called. Grounded on infodancer-smtpd's
// internal/metrics.PrometheusServer.Start/Shutdown.
func (m *Monitor) ListenAndServe(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))

	m.server = &http.Server{Addr: addr, Handler: mux}
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics HTTP server started by
// ListenAndServe.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
