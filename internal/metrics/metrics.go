// Package metrics collects and exposes Prometheus metrics for the
// authentication and OAuth2 flows.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts the security-relevant events of the token engine.
// All methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	logins           *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
	codeExchanges    *prometheus.CounterVec
	refreshRotations *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_logins_total",
			Help: "Successful logins by method (password, otp).",
		}, []string{"method"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_tokens_issued_total",
			Help: "Tokens issued by kind (session, access, refresh).",
		}, []string{"kind"}),
		codeExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_code_exchanges_total",
			Help: "Authorization-code exchange attempts by result.",
		}, []string{"result"}),
		refreshRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verity_refresh_rotations_total",
			Help: "Refresh-token rotation attempts by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.logins,
		c.tokensIssued,
		c.codeExchanges,
		c.refreshRotations,
	)
	return c
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordLogin counts a successful login by method.
func (c *Collector) RecordLogin(method string) {
	c.logins.WithLabelValues(method).Inc()
}

// RecordTokenIssued counts an issued token by kind.
func (c *Collector) RecordTokenIssued(kind string) {
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// RecordCodeExchange counts a code exchange attempt by result.
func (c *Collector) RecordCodeExchange(result string) {
	c.codeExchanges.WithLabelValues(result).Inc()
}

// RecordRefreshRotation counts a rotation attempt by result.
func (c *Collector) RecordRefreshRotation(result string) {
	c.refreshRotations.WithLabelValues(result).Inc()
}
