package shared

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_jobs_total",
		Help: "Processed jobs by outcome.",
	}, []string{"outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchbot_job_duration_seconds",
		Help:    "Wall time per job by outcome.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"outcome"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_cache_lookups_total",
		Help: "Result cache lookups by result (hit, miss, error, stale).",
	}, []string{"result"})

	DeliveredBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_delivered_bytes_total",
		Help: "Bytes uploaded to Telegram by transport.",
	}, []string{"transport"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchbot_active_jobs",
		Help: "Jobs currently being processed by this worker.",
	})
)
