package statemachine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationSlice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapback_statemachine_slice",
		Help: "Current shard slice being scanned",
	})

	usersScanned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapback_statemachine_users_scanned",
		Help: "Number of users processed in the most recent iteration",
	})

	unhealthyPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapback_statemachine_unhealthy_peers",
		Help: "Number of distinct unhealthy peers observed in the most recent iteration",
	})

	convergenceSyncsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapback_statemachine_convergence_syncs_total",
		Help: "Total recurring convergence syncs enqueued",
	})

	reconfigOpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapback_statemachine_reconfig_ops_total",
		Help: "Total reconfiguration attempts handed to the planner",
	})

	iterationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapback_statemachine_errors_total",
		Help: "Total iteration errors by stage",
	}, []string{"stage"})

	iterationDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapback_statemachine_last_iteration_seconds",
		Help: "Wall-clock duration of the most recent iteration",
	})
)
