// Package metrics groups the prometheus collectors of the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the coordinator reports. All collectors are
// registered on one registry so the HTTP gateway can expose them in one
// handler.
type Metrics struct {
	Registry *prometheus.Registry

	// MessagesTotal counts pipeline outcomes by phase and result.
	MessagesTotal *prometheus.CounterVec
	// MessagesDiscarded counts validated messages the state machine
	// rejected, by reason.
	MessagesDiscarded *prometheus.CounterVec
	// RoundID tracks the current round.
	RoundID prometheus.Gauge
	// Phase tracks the current phase as its numeric value.
	Phase prometheus.Gauge
	// StorageFailures counts phase-fatal storage errors.
	StorageFailures prometheus.Counter
	// SignatureWorkers tracks busy signature verification workers.
	SignatureWorkers prometheus.Gauge
}

// New registers fresh collectors on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_messages_total",
			Help: "PET messages processed by the pipeline, by phase and outcome.",
		}, []string{"phase", "outcome"}),
		MessagesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_messages_discarded_total",
			Help: "Validated messages rejected by the state machine, by reason.",
		}, []string{"reason"}),
		RoundID: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_round_id",
			Help: "Current round id.",
		}),
		Phase: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_phase",
			Help: "Current phase (0 idle, 1 sum, 2 update, 3 sum2, 4 unmask).",
		}),
		StorageFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_storage_failures_total",
			Help: "Storage errors that aborted a round.",
		}),
		SignatureWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_signature_workers_busy",
			Help: "Signature verification workers currently busy.",
		}),
	}
}
