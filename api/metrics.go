package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRoute serves a Prometheus gatherer on /metrics.
type MetricsRoute struct {
	gatherer prometheus.Gatherer
}

var _ Plugin = (*MetricsRoute)(nil)

func NewMetricsRoute(gatherer prometheus.Gatherer) *MetricsRoute {
	return &MetricsRoute{gatherer: gatherer}
}

func (m *MetricsRoute) Name() string { return "metrics" }

func (m *MetricsRoute) Description() string { return "Prometheus metrics endpoint" }

func (m *MetricsRoute) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
