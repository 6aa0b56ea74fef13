// Package middleware contains the Gin middleware of the local bridge.
//
// Metrics instruments bridge traffic with Prometheus. Labels are method, the
// registered route (raw path when no route matched) and status, which keeps
// cardinality bounded since conversation ids only appear as ":id".
// Server-sent event streams are long-lived, so they are counted in a gauge
// and kept out of the latency histogram.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memora_bridge_http_requests_total",
			Help: "Bridge HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memora_bridge_http_request_duration_seconds",
			Help:    "Bridge HTTP request duration, event streams excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memora_bridge_http_requests_inflight",
		Help: "Bridge HTTP requests being served, event streams included.",
	})

	streamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memora_bridge_event_streams",
		Help: "Open server-sent event streams.",
	})
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, streamsOpen)
}

// Metrics records request counts and latencies.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		stream := strings.Contains(c.GetHeader("Accept"), "text/event-stream")
		if stream {
			streamsOpen.Inc()
			defer streamsOpen.Dec()
		}

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		if !stream {
			httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		}
	}
}
