package update

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harbouros_apply_duration_seconds",
		Help:    "Duration of each apply attempt",
		Buckets: prometheus.DefBuckets,
	})
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harbouros_apply_total",
		Help: "Total apply attempts",
	}, []string{"result"})
	checkTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harbouros_update_check_total",
		Help: "Total update checks",
	}, []string{"result"})
	rollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harbouros_rollback_total",
		Help: "Total rollback attempts",
	}, []string{"result"})
)
