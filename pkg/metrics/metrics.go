package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Database metrics
	DbCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "startd_db_commits_total",
			Help: "Total number of committed database mutations",
		},
	)

	DbRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startd_db_revision",
			Help: "Current database revision",
		},
	)

	// Package metrics
	PackagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "startd_packages_total",
			Help: "Number of packages by state",
		},
		[]string{"state"},
	)

	ServicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startd_services_running",
			Help: "Number of services with a running main status",
		},
	)

	// Effect bus metrics
	EffectCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startd_effect_calls_total",
			Help: "Total effect invocations by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// Resource gauges feeding server-info specs
	CpuUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startd_cpu_usage_ratio",
			Help: "Host CPU usage as used/total",
		},
	)

	MemoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startd_memory_usage_ratio",
			Help: "Host memory usage as used/total",
		},
	)

	DiskUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "startd_disk_usage_ratio",
			Help: "Data volume usage as used/total",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DbCommitsTotal,
		DbRevision,
		PackagesTotal,
		ServicesRunning,
		EffectCallsTotal,
		CpuUsage,
		MemoryUsage,
		DiskUsage,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
