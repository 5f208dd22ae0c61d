package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "iotguard"

// Metrics holds the Prometheus instruments of the pipeline
type Metrics struct {
	ObservationsTotal   *prometheus.CounterVec
	ObservationsInvalid prometheus.Counter
	DevicesOnboarded    *prometheus.CounterVec
	DevicesKnown        prometheus.Gauge
	RiskAssessments     *prometheus.CounterVec
	PolicyGaps          prometheus.Counter
	EnforcementActions  *prometheus.CounterVec
	EnforcementErrors   *prometheus.CounterVec
	Anomalies           *prometheus.CounterVec
	VulnChecks          prometheus.Counter
	ActiveScans         *prometheus.CounterVec
	EventsForwarded     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	WorkerPanics        *prometheus.CounterVec
}

// New registers all instruments with reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ObservationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Total number of observations ingested",
		}, []string{"source"}),
		ObservationsInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_invalid_total",
			Help:      "Total number of observations rejected",
		}),
		DevicesOnboarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_onboarded_total",
			Help:      "Total number of newly discovered devices, by identification method",
		}, []string{"identified_by"}),
		DevicesKnown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_known",
			Help:      "Number of devices in the registry",
		}),
		RiskAssessments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_assessments_total",
			Help:      "Total number of risk assessments, by resulting level",
		}, []string{"level"}),
		PolicyGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_gaps_total",
			Help:      "Total number of assessments no policy rule covered",
		}),
		EnforcementActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_actions_total",
			Help:      "Total number of enforcement actions dispatched",
		}, []string{"action"}),
		EnforcementErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_errors_total",
			Help:      "Total number of failed enforcement actions",
		}, []string{"stage"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Total number of behavioral anomalies detected",
		}, []string{"kind"}),
		VulnChecks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vulnerability_checks_total",
			Help:      "Total number of per-device vulnerability re-checks",
		}),
		ActiveScans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_scans_total",
			Help:      "Total number of per-device active scans, by result",
		}, []string{"result"}),
		EventsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Total number of events delivered to the forwarding sink",
		}, []string{"type"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped before delivery",
		}, []string{"reason"}),
		WorkerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Total number of recovered panics, by worker",
		}, []string{"worker"}),
	}
}

// NewNop returns instruments registered on a private registry, for callers
// that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
