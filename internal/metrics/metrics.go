// Package metrics exposes the controller's Prometheus gauges and counters
// under the "spotfleet" namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pricing metrics
	PriceSamplesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "price_samples_stored",
		Help:      "Total number of deduplicated spot price samples held in the price store",
	})

	PriceHistoryFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "price_history_fetch_total",
		Help:      "Total spot price history fetches, by instance type and result",
	}, []string{"instance_type", "result"})

	CandidatePrice80 = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "candidate_price_80",
		Help:      "Configured bid-percentile (price_80) price for a zone/instance-type candidate",
	}, []string{"zone", "instance_type"})

	CandidateEstimatedValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "candidate_estimated_value",
		Help:      "Estimated value (utility / price_80) of a zone/instance-type candidate",
	}, []string{"zone", "instance_type"})

	// Reconciliation metrics
	ReconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "reconcile_runs_total",
		Help:      "Total number of reconciliation passes completed",
	})

	ReconcileBudgetUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "reconcile_remaining_budget_usd",
		Help:      "Remaining bid budget at the end of the last reconciliation pass",
	})

	ReconcileNetNewUtility = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "reconcile_net_new_utility",
		Help:      "Unsatisfied utility delta at the end of the last reconciliation pass",
	})

	SpotRequestsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "spot_requests_submitted_total",
		Help:      "Total spot requests submitted, by zone and instance type",
	}, []string{"zone", "instance_type"})

	SpotRequestsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "spot_requests_cancelled_total",
		Help:      "Total spot requests cancelled during save_money",
	})

	InstancesTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "instances_terminated_total",
		Help:      "Total managed instances terminated, by reason",
	}, []string{"reason"}) // "save_money", "remove_instances", "setup_deadline"

	// Life-cycle watcher metrics
	PendingSpotRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "pending_spot_requests",
		Help:      "Number of spot requests currently pending fulfillment",
	})

	SetupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "setup_failures_total",
		Help:      "Total post-boot setup failures observed by the life-cycle watcher",
	})

	SetupDeadlineExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotfleet",
		Name:      "setup_deadline_exceeded_total",
		Help:      "Total instances force-terminated after exceeding the setup deadline",
	})

	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotfleet",
		Name:      "registry_size",
		Help:      "Number of spot requests currently tracked in the in-memory registry",
	})
)
