package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "handoffd_event_publishes_total",
	Help: "Event publishes by requested mode and result (delivered, downgraded, dropped, failed).",
}, []string{"mode", "result"})

func observePublish(mode DeliveryMode, result string) {
	publishesTotal.WithLabelValues(string(mode), result).Inc()
}
