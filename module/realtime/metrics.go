package realtime

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// push API outcomes
const (
	resultDelivered = "delivered"
	resultOffline   = "offline"
	resultPublished = "published"
	resultFailed    = "failed"
)

// gatewayMetrics lives on its own registry so several handlers (tests) never
// collide on the global one.
type gatewayMetrics struct {
	reg    *prometheus.Registry
	pushes *prometheus.CounterVec
	serve  gin.HandlerFunc
}

func newGatewayMetrics(h *Handler) *gatewayMetrics {
	m := &gatewayMetrics{
		reg: prometheus.NewRegistry(),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftchat_api_pushes_total",
			Help: "Push API calls by route and outcome.",
		}, []string{"route", "result"}),
	}
	m.reg.MustRegister(
		m.pushes,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shiftchat_ws_connections",
			Help: "Open chat WebSocket connections.",
		}, func() float64 { return float64(h.Chat.Registry().Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shiftchat_online_users",
			Help: "Identities with at least one chat connection.",
		}, func() float64 { return float64(len(h.Chat.Registry().AllOnline())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shiftchat_sse_streams",
			Help: "Open notification streams.",
		}, func() float64 { return float64(h.Hub.Count()) }),
		collectors.NewGoCollector(),
	)
	m.serve = gin.WrapH(promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(h.Log.Named("metrics")),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return m
}

func (m *gatewayMetrics) inc(route, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(route, result).Inc()
}

// Metrics serves the Prometheus exposition of the gateway's live state.
func (h *Handler) Metrics(c *gin.Context) {
	h.metrics.serve(c)
}
