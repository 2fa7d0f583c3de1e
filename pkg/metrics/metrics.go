// Package metrics is ioncore's ambient observability surface: Prometheus
// counters and gauges for the CGR and LTP engines, in the style
// runZeroInc-sockstats' exporter registers collectors with
// github.com/prometheus/client_golang. Unlike that package's custom
// Collector (it samples live kernel socket state on each scrape), every
// metric here is a plain counter/gauge the engines update as events
// happen, registered once via promauto so a caller only needs an
// *http.ServeMux and promhttp.Handler to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ioncore"

// Registry bundles every metric ioncore's CGR and LTP engines touch.
// Construct one with New and hand it to ltp's Engine.SetMetrics. The
// zero value's fields are nil; the engine skips a nil Registry or a nil
// SegmentsDropped field instead of incrementing it.
type Registry struct {
	// CGR
	RoutesComputed   prometheus.Counter
	RouteCacheHits   prometheus.Counter
	RouteCacheMisses prometheus.Counter
	NoRouteFound     prometheus.Counter
	BundlesForwarded prometheus.Counter
	BundlesBumped    prometheus.Counter
	OverbookedBytes  prometheus.Counter

	// LTP
	ExportSessionsOpened   prometheus.Counter
	ExportSessionsClosed   prometheus.Counter
	ExportSessionsCanceled *prometheus.CounterVec
	ImportSessionsOpened   prometheus.Counter
	ImportSessionsClosed   prometheus.Counter
	ImportSessionsCanceled *prometheus.CounterVec
	CheckpointsResent      prometheus.Counter
	ReportsResent          prometheus.Counter
	SegmentsDropped        *prometheus.CounterVec
	ActiveExportSessions   *prometheus.GaugeVec
	ActiveImportSessions   *prometheus.GaugeVec
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer to expose metrics process-wide.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RoutesComputed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "routes_computed_total",
			Help: "Routes produced by a Dijkstra search, across all payload classes.",
		}),
		RouteCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "route_cache_hits_total",
			Help: "Route list lookups served without a rebuild.",
		}),
		RouteCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "route_cache_misses_total",
			Help: "Route list lookups that triggered a rebuild.",
		}),
		NoRouteFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "no_route_found_total",
			Help: "Plan calls that produced an empty proximate-node set.",
		}),
		BundlesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "bundles_forwarded_total",
			Help: "Bundles enqueued onto an outduct by the planner.",
		}),
		BundlesBumped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "bundles_bumped_total",
			Help: "Bundles displaced from an outduct by the overbooking manager.",
		}),
		OverbookedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cgr", Name: "overbooked_bytes_total",
			Help: "Bytes of initial-contact overbooking observed across all forwards.",
		}),
		ExportSessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "export_sessions_opened_total",
			Help: "Export sessions started.",
		}),
		ExportSessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "export_sessions_closed_total",
			Help: "Export sessions closed after full red-part acknowledgement.",
		}),
		ExportSessionsCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "export_sessions_canceled_total",
			Help: "Export sessions canceled, by reason code.",
		}, []string{"reason"}),
		ImportSessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "import_sessions_opened_total",
			Help: "Import sessions created on first red data segment.",
		}),
		ImportSessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "import_sessions_closed_total",
			Help: "Import sessions closed after their report was acknowledged.",
		}),
		ImportSessionsCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "import_sessions_canceled_total",
			Help: "Import sessions canceled, by reason code.",
		}, []string{"reason"}),
		CheckpointsResent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "checkpoints_resent_total",
			Help: "Checkpoint resend timers that fired and re-enqueued a segment.",
		}),
		ReportsResent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "reports_resent_total",
			Help: "Report resend timers that fired and re-enqueued a report segment.",
		}),
		SegmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "segments_dropped_total",
			Help: "Inbound segments dropped at the input-validation boundary, by reason.",
		}, []string{"reason"}),
		ActiveExportSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "active_export_sessions",
			Help: "Export sessions currently open, by remote engine id.",
		}, []string{"span"}),
		ActiveImportSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ltp", Name: "active_import_sessions",
			Help: "Import sessions currently open, by remote engine id.",
		}, []string{"span"}),
	}
}
