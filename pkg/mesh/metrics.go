package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "zentalk_mesh"

// Metrics are the Prometheus collectors of one engine.
type Metrics struct {
	received        *prometheus.CounterVec
	sent            *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	relayed         prometheus.Counter
	delivered       prometheus.Counter
	coverSent       prometheus.Counter
	coverReceived   prometheus.Counter
	replayed        prometheus.Counter
	errors          *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	discoveryCycles prometheus.Counter
	connectedPeers  prometheus.Gauge
	cachedMessages  prometheus.Gauge
	dedupEntries    prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Packets accepted from neighbours, by message type.",
		}, []string{"type"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_originated_total",
			Help:      "Packets originated by this node, by message type.",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets discarded, by reason.",
		}, []string{"reason"}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_relayed_total",
			Help:      "Packets forwarded on behalf of other peers.",
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_delivered_total",
			Help:      "Payloads handed to the application.",
		}),
		coverSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cover_packets_sent_total",
			Help:      "Cover traffic packets emitted.",
		}),
		coverReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cover_packets_received_total",
			Help:      "Cover traffic packets discarded on arrival.",
		}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_replayed_total",
			Help:      "Cached packets offered to newly connected peers.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Non-fatal errors, by kind.",
		}, []string{"kind"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because the event channel was full.",
		}),
		discoveryCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discovery_windows_total",
			Help:      "Scan windows opened by the duty cycle.",
		}),
		connectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_peers",
			Help:      "Neighbours currently connected.",
		}),
		cachedMessages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cached_messages",
			Help:      "Entries in the store-and-forward cache.",
		}),
		dedupEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dedup_entries",
			Help:      "Message IDs remembered for deduplication.",
		}),
	}
}
