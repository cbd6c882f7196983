package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "luminamesh"

type metrics struct {
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	sendFailures     prometheus.Counter
	peersDiscovered  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	keyChanges       *prometheus.CounterVec
	handlerPanics    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, meshID string, knownPeers func() float64) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"mesh_id": meshID}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "peers_known",
		Help:        "Peers currently stored in the peer table, stale ones included",
		ConstLabels: labels,
	}, knownPeers)

	return &metrics{
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_sent_total",
			Help:        "Messages successfully written to a peer",
			ConstLabels: labels,
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_received_total",
			Help:        "Authenticated messages received on the data channel",
			ConstLabels: labels,
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "send_failures_total",
			Help:        "Sends that failed to resolve, encrypt, dial or write",
			ConstLabels: labels,
		}),
		peersDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "peers_discovered_total",
			Help:        "Distinct peers learned from discovery",
			ConstLabels: labels,
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_dropped_total",
			Help:        "Inbound frames discarded by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		keyChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "key_changes_total",
			Help:        "Peers announcing a new public key by decision",
			ConstLabels: labels,
		}, []string{"decision"}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "handler_panics_total",
			Help:        "Recovered panics in registered handlers",
			ConstLabels: labels,
		}),
	}
}
