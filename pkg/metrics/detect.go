package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// These mirror the teacher's anomaly + mitigation ladder one-for-one in
// shape (a "detected" counter, an active-gauge, an escalation counter, an
// active-escalation gauge) but relabeled for the trigger/violator/ban
// escalation of spec.md §4.4-§4.5 instead of EWMA spike scoring.
var (
	TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipwarden",
			Name:      "triggers_total",
			Help:      "Count of over-limit trigger events per user.",
		},
		[]string{"email"},
	)

	ActiveTrackedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipwarden",
			Name:      "active_tracked_users",
			Help:      "Current number of users with live per-IP tracking state.",
		},
	)

	ViolatorsEntered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipwarden",
			Name:      "violators_entered_total",
			Help:      "Total number of times a user entered violator status.",
		},
	)

	ActiveViolators = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipwarden",
			Name:      "active_violators",
			Help:      "Number of users currently in violator status.",
		},
	)

	BanlistCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipwarden",
			Name:      "banlist_created_total",
			Help:      "Total number of new ban records created.",
		},
	)

	BanlistUpdated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipwarden",
			Name:      "banlist_updated_total",
			Help:      "Total number of existing ban records refreshed.",
		},
	)

	ActiveBans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipwarden",
			Name:      "active_bans",
			Help:      "Number of ban records currently active.",
		},
	)

	registerOnce sync.Once
)

// RegisterDetectionMetrics registers all detection-engine metrics once.
func RegisterDetectionMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(TriggersTotal)
		reg.MustRegister(ActiveTrackedUsers)
		reg.MustRegister(ViolatorsEntered)
		reg.MustRegister(ActiveViolators)
		reg.MustRegister(BanlistCreated)
		reg.MustRegister(BanlistUpdated)
		reg.MustRegister(ActiveBans)
	})
}
