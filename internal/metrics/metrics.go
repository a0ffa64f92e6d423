// Registers:
//
//	#marketrouter_requests_routed_total
//	#marketrouter_downgrades_total
//	#marketrouter_route_errors_total
//	#marketrouter_tier_attempts_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once          sync.Once
	requestsTotal *prometheus.CounterVec
	downgrades    prometheus.Counter
	routeErrors   *prometheus.CounterVec
	tierAttempts  *prometheus.CounterVec
)

func Init(addr string) {
	once.Do(func() {
		requestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrouter_requests_routed_total",
				Help: "Number of requests routed, by data type and serving channel",
			},
			[]string{"data_type", "channel"},
		)

		downgrades = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketrouter_downgrades_total",
				Help: "Number of stream to rest downgrades",
			},
		)

		routeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrouter_route_errors_total",
				Help: "Number of requests that exhausted every channel",
			},
			[]string{"code"},
		)

		tierAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrouter_tier_attempts_total",
				Help: "Number of routing tier attempts, by tier and outcome",
			},
			[]string{"tier", "outcome"},
		)

		_ = prometheus.Register(requestsTotal)
		_ = prometheus.Register(downgrades)
		_ = prometheus.Register(routeErrors)
		_ = prometheus.Register(tierAttempts)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			return
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementRouted increases the routed counter for one served request.
func IncrementRouted(dataType, channel string) {
	if requestsTotal != nil {
		requestsTotal.WithLabelValues(dataType, channel).Inc()
	}
}

// IncrementDowngrade increases the downgrade counter.
func IncrementDowngrade() {
	if downgrades != nil {
		downgrades.Inc()
	}
}

// IncrementRouteError increases the error counter for a route error code.
func IncrementRouteError(code string) {
	if routeErrors != nil {
		routeErrors.WithLabelValues(code).Inc()
	}
}

// IncrementTierAttempt records one tier attempt with its outcome.
func IncrementTierAttempt(tier, outcome string) {
	if tierAttempts != nil {
		tierAttempts.WithLabelValues(tier, outcome).Inc()
	}
}
