package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	backendRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tether",
		Name:      "backend_running",
		Help:      "Whether a backend process is tracked (1=running, 0=idle).",
	}, []string{"backend"})

	backendSpawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Name:      "backend_spawns_total",
		Help:      "Backend spawn attempts by result.",
	}, []string{"backend", "result"})

	backendKills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tether",
		Name:      "backend_kills_total",
		Help:      "Kill requests issued to backend processes.",
	}, []string{"backend"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tether",
		Name:      "build_info",
		Help:      "Build metadata for the running tether binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(backendRunning, backendSpawns, backendKills, buildInfo)
}

// Registry returns the Prometheus registry containing all tether metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetBackendRunning records whether a backend process is currently tracked.
func SetBackendRunning(backend string, running bool) {
	if backend == "" {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	backendRunning.WithLabelValues(backend).Set(value)
}

// IncrementBackendSpawn counts a spawn attempt.
func IncrementBackendSpawn(backend string, ok bool) {
	if backend == "" {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	backendSpawns.WithLabelValues(backend, result).Inc()
}

// IncrementBackendKill counts a kill request.
func IncrementBackendKill(backend string) {
	if backend == "" {
		return
	}
	backendKills.WithLabelValues(backend).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
