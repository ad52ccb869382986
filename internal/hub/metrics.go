package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reliefhub",
		Name:      "messages_routed_total",
		Help:      "Messages routed by delivery strategy.",
	}, []string{"strategy"})

	deliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reliefhub",
		Name:      "deliveries_dropped_total",
		Help:      "Events dropped because a recipient buffer was full or closed.",
	})

	topicSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reliefhub",
		Name:      "topic_subscribers",
		Help:      "Connections currently subscribed to any topic.",
	})
)
