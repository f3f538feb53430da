package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "http_requests_total",
		Help:      "Total front-end requests by route and status code.",
	}, []string{"route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sxmproxy",
		Name:      "http_request_duration_seconds",
		Help:      "Front-end request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"route"})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "provider_requests_total",
		Help:      "Provider API calls by operation and result.",
	}, []string{"op", "result"})

	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sxmproxy",
		Name:      "provider_request_duration_seconds",
		Help:      "Provider API call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10},
	}, []string{"op"})

	AuthExchangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "auth_exchanges_total",
		Help:      "Login and resume exchanges by outcome.",
	}, []string{"op", "result"})

	SessionRenewalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "session_renewals_total",
		Help:      "Session renewals triggered by expiry codes or segment denials.",
	})

	VariantCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "variant_cache_total",
		Help:      "Variant URL cache lookups by result (hit, miss, bypass).",
	}, []string{"result"})

	SegmentFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "segment_fetches_total",
		Help:      "Upstream segment fetch attempts by result.",
	}, []string{"result"})

	SegmentBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sxmproxy",
		Name:      "segment_bytes_total",
		Help:      "Segment bytes relayed to players.",
	})

	ChannelsKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sxmproxy",
		Name:      "channels_known",
		Help:      "Channels in the cached directory.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		AuthExchangesTotal,
		SessionRenewalsTotal,
		VariantCacheTotal,
		SegmentFetchesTotal,
		SegmentBytesTotal,
		ChannelsKnown,
	)
}
