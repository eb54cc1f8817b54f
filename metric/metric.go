// Package metric registers the Prometheus instrumentation shared by the
// GRAIL connection roles. Metrics live on their own registry so the SDK
// never adds collectors to the global default; programs that want them
// exposed mount Registry on their own handler.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every SDK collector.
var Registry = prometheus.NewRegistry()

var (
	// FramesSent counts outbound frames per connection role.
	FramesSent = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grail",
		Name:      "frames_sent_total",
		Help:      "Frames written to the wire.",
	}, []string{"role"})

	// FramesReceived counts inbound frames per connection role.
	FramesReceived = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grail",
		Name:      "frames_received_total",
		Help:      "Frames read from the wire.",
	}, []string{"role"})

	// Reconnects counts completed reconnect attempts per role and
	// outcome ("ok" or "fail").
	Reconnects = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grail",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts by outcome.",
	}, []string{"role", "outcome"})

	// KeepAlives counts keep-alive replies sent per role.
	KeepAlives = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grail",
		Name:      "keepalives_total",
		Help:      "Keep-alive replies sent.",
	}, []string{"role"})

	// LiveTickets tracks client requests whose bookkeeping is still
	// held: a request counts until its handle is closed, the connection
	// is closed, or (for a stream) its end-of-stream state is consumed.
	LiveTickets = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "grail",
		Name:      "live_tickets",
		Help:      "Client requests not yet released.",
	})

	// SamplesDelivered counts sensor samples handed to the aggregator
	// callback.
	SamplesDelivered = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "grail",
		Name:      "samples_delivered_total",
		Help:      "Valid sensor samples delivered to the callback.",
	})
)
