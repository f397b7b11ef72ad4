package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_requests_total",
			Help: "Signup requests by final result",
		},
		[]string{"result"}, // success|already_subscribed|invalid_email|rate_limited|server_error
	)

	RateLimitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_ratelimit_total",
			Help: "Rate limit decisions for the signup endpoint",
		},
		[]string{"decision"}, // allowed|denied
	)

	RateLimitSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_ratelimit_swept_total",
			Help: "Expired rate limit entries removed by the janitor",
		},
	)

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_upstream_duration_seconds",
			Help:    "Latency of subscribe calls to the newsletter provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_events_total",
			Help: "Subscription events by pipeline stage",
		},
		[]string{"stage"}, // recorded|record_failed|projected|dropped
	)
)

var once sync.Once

// MustRegister registers all collectors once; later calls are no-ops.
func MustRegister(r prometheus.Registerer) {
	once.Do(func() {
		r.MustRegister(
			RequestsTotal,
			RateLimitTotal,
			RateLimitSwept,
			UpstreamDuration,
			EventsTotal,
		)
	})
}
