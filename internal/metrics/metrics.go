package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesRelayed tracks messages fanned out per stream
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total number of messages relayed",
		},
		[]string{"stream"},
	)

	// StreamRetries tracks reconnect attempts per stream
	StreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_retries_total",
			Help: "Total number of stream reconnect attempts",
		},
		[]string{"stream"},
	)

	// StreamErrors tracks classified connection failures per stream
	StreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_errors_total",
			Help: "Total number of stream connection failures",
		},
		[]string{"stream", "kind"},
	)

	// SinkErrors tracks failed sink publishes per stream and sink
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sink_errors_total",
			Help: "Total number of failed sink publishes",
		},
		[]string{"stream", "sink"},
	)

	// StreamUp reports whether a stream's background loop is running
	StreamUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_stream_up",
			Help: "Whether the stream subscription loop is running",
		},
		[]string{"stream"},
	)
)
