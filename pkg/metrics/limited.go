package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ipwarden_query_limited_total{route}
	QueryLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipwarden_query_limited_total",
			Help: "Total HTTP query requests rejected by the token-bucket rate limiter.",
		},
		[]string{"route"},
	)

	// ipwarden_ingress_lines_total{node}
	IngressLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipwarden_ingress_lines_total",
			Help: "Total log lines accepted from ingress nodes.",
		},
		[]string{"node"},
	)

	// ipwarden_ingress_malformed_total{node}
	IngressMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipwarden_ingress_malformed_total",
			Help: "Total log lines rejected as malformed, per node.",
		},
		[]string{"node"},
	)

	// ipwarden_ingress_connected_nodes
	IngressConnectedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipwarden_ingress_connected_nodes",
			Help: "Number of distinct node names with at least one live ingress connection.",
		},
	)
)

func init() {
	prometheus.MustRegister(QueryLimited, IngressLines, IngressMalformed, IngressConnectedNodes)
}
