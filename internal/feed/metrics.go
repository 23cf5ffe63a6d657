package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ip2asn_feed_updates_total",
	Help: "Feed update attempts by result",
}, []string{"result"})

var downloadedBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ip2asn_feed_last_download_bytes",
	Help: "Size of the last feed that replaced the table file",
})

var distributedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ip2asn_feed_distribution_total",
	Help: "Feed copies sent to or received from redis",
}, []string{"direction"})

func observeUpdate(r Result, err error) {
	switch {
	case err != nil:
		updatesTotal.WithLabelValues("failed").Inc()
	case r.NotModified:
		updatesTotal.WithLabelValues("not_modified").Inc()
	case r.Updated:
		updatesTotal.WithLabelValues("updated").Inc()
	default:
		updatesTotal.WithLabelValues("unchanged").Inc()
	}
}
