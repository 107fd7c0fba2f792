package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent session metrics
	SessionReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeroute_session_reconnects_total",
			Help: "Total number of registry reconnect attempts",
		},
	)

	ConfigsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeroute_configs_applied_total",
			Help: "Total number of config messages applied",
		},
	)

	// Proxy metrics
	ProxyConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeroute_proxy_connections_active",
			Help: "Number of in-flight proxied connections",
		},
	)

	ProxyConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeroute_proxy_connections_total",
			Help: "Total number of accepted proxy connections by result",
		},
		[]string{"result"},
	)

	// Self-update metrics
	UpdateAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeroute_update_attempts_total",
			Help: "Total number of self-update attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Registry metrics
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeroute_agents_connected",
			Help: "Number of agents with a live registry session",
		},
	)

	ApplicationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homeroute_applications_total",
			Help: "Total number of applications by status",
		},
		[]string{"status"},
	)

	CertRenewalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "homeroute_cert_renewals_total",
			Help: "Total number of certificates renewed",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionReconnectsTotal)
	prometheus.MustRegister(ConfigsAppliedTotal)
	prometheus.MustRegister(ProxyConnectionsActive)
	prometheus.MustRegister(ProxyConnectionsTotal)
	prometheus.MustRegister(UpdateAttemptsTotal)
	prometheus.MustRegister(AgentsConnected)
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(CertRenewalsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
