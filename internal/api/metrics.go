package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/igprov/internal/model"
)

const (
	unmatched = "unmatched"

	// eventsRoute is excluded from the duration histogram; its requests
	// last as long as the subscriber stays connected.
	eventsRoute = "/v1/status/events"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igprov_http_requests_total",
			Help: "Control API requests by method, route and response code.",
		},
		[]string{"method", "route", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "igprov_http_request_duration_seconds",
			Help:    "Control API request latency, status stream excluded.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	rejectedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igprov_http_rejected_requests_total",
			Help: "Provisioning requests refused without starting a worker, by returned status.",
		},
		[]string{"status"},
	)

	statusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "igprov_http_status_subscribers",
		Help: "Clients currently connected to the status event stream.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, rejectedRequests, statusSubscribers)
}

// metricsMiddleware counts requests by chi route pattern and observes the
// latency of everything except the status stream.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routePattern(r)
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if route != eventsRoute {
			requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func recordRejection(status model.Status) {
	rejectedRequests.WithLabelValues(status.String()).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
