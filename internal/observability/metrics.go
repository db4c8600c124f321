package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facecheck",
		Name:      "registrations_total",
		Help:      "Face registrations by result",
	}, []string{"result"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facecheck",
		Name:      "verifications_total",
		Help:      "Face verifications by outcome",
	}, []string{"outcome"})

	EmbeddingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facecheck",
		Name:      "embedding_duration_seconds",
		Help:      "Duration of embedding provider calls",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"operation"})

	RegisteredFaces = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facecheck",
		Name:      "registered_faces",
		Help:      "Number of users in the embedding repository",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facecheck",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facecheck",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	})
)
