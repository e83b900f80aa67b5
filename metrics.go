package blobstate

import "github.com/prometheus/client_golang/prometheus"

var (
	inflightSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lazyblob",
			Subsystem: "blobstate",
			Name:      "inflight_slots",
			Help:      "Number of unit fetches currently claimed by a fetcher of record.",
		})
	unitClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lazyblob",
			Subsystem: "blobstate",
			Name:      "unit_claims_total",
			Help:      "Total number of unit fetches claimed across all trackers.",
		})
	slotWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lazyblob",
			Subsystem: "blobstate",
			Name:      "slot_waits_total",
			Help:      "Total number of times a caller blocked on another caller's inflight fetch.",
		})
	slotWaitTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lazyblob",
			Subsystem: "blobstate",
			Name:      "slot_wait_timeouts_total",
			Help:      "Total number of waits on inflight fetches that gave up after the wait timeout.",
		})
)

func init() {
	prometheus.MustRegister(inflightSlots)
	prometheus.MustRegister(unitClaimsTotal)
	prometheus.MustRegister(slotWaitsTotal)
	prometheus.MustRegister(slotWaitTimeoutsTotal)
}
