// Package metrics holds the Prometheus collectors shared by the protocol
// session, the device link and the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bafang"

var (
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Request frames sent to the controller.",
	}, []string{"op", "block"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Complete response frames assembled.",
	}, []string{"op", "block"})

	BytesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_ignored_total",
		Help:      "Bytes received while no response was expected.",
	})

	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_failures_total",
		Help:      "Writes rejected by the controller, by offending field.",
	}, []string{"block", "field"})

	Violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Recoverable protocol errors.",
	}, []string{"kind"})

	ExchangeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exchange_duration_seconds",
		Help:      "Time from request to complete response.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
	}, []string{"op", "block"})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connected",
		Help:      "1 while the serial link is up.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_connect_attempts_total",
		Help:      "Attempts to open the serial port.",
	})

	Clients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected websocket clients.",
	})
)
