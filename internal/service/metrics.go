package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ip2asn/internal/table"
)

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ip2asn_lookups_total",
	Help: "Number of address lookups by result",
}, []string{"result"})

var (
	lookupsFound    = lookupsTotal.WithLabelValues("found")
	lookupsNotFound = lookupsTotal.WithLabelValues("not_found")
)

var lookupSearchCost = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ip2asn_lookup_search_cost",
	Help:    "Number of tree nodes visited per lookup",
	Buckets: prometheus.LinearBuckets(0, 4, 16),
})

var reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ip2asn_reloads_total",
	Help: "Number of table reload attempts by outcome",
}, []string{"status"})

var reloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ip2asn_reload_duration_seconds",
	Help:    "Time spent loading and building a table generation",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
})

var tableNetworks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ip2asn_table_networks",
	Help: "Networks in the published table by address family",
}, []string{"family"})

var tableHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ip2asn_table_tree_height",
	Help: "Interval tree height of the published table by address family",
}, []string{"family"})

var tableGeneration = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ip2asn_table_generation",
	Help: "Generation number of the published table",
})

var tablePublishedAt = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ip2asn_table_published_timestamp_seconds",
	Help: "Unix time the current table was published",
})

func observeLookup(a table.Attribution) {
	if a.Found {
		lookupsFound.Inc()
	} else {
		lookupsNotFound.Inc()
	}
	lookupSearchCost.Observe(float64(a.Cost))
}

func observeTable(t *table.Table) {
	stats := t.Stats()
	tableNetworks.WithLabelValues("ipv4").Set(float64(stats.IPv4Networks))
	tableNetworks.WithLabelValues("ipv6").Set(float64(stats.IPv6Networks))
	tableHeight.WithLabelValues("ipv4").Set(float64(stats.IPv4Height))
	tableHeight.WithLabelValues("ipv6").Set(float64(stats.IPv6Height))
	tableGeneration.Set(float64(t.Generation))
	tablePublishedAt.SetToCurrentTime()
}
