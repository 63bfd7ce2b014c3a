package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transitions *prometheus.CounterVec
	shipments   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking shipment and claim events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "events",
				Name:      "claim_transitions_total",
				Help:      "Claim status transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			shipments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shipcover",
				Subsystem: "events",
				Name:      "shipments_created_total",
				Help:      "Insured shipments recorded, segmented by escrow state.",
			}, []string{"escrow_state"}),
		}
		prometheus.MustRegister(eventRegistry.transitions, eventRegistry.shipments)
	})
	return eventRegistry
}

// RecordClaimTransition increments the transition counter.
func (m *eventMetrics) RecordClaimTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(statusLabel(from), statusLabel(to)).Inc()
}

// RecordShipment counts a persisted shipment.
func (m *eventMetrics) RecordShipment(escrowState string) {
	if m == nil {
		return
	}
	m.shipments.WithLabelValues(statusLabel(escrowState)).Inc()
}

func statusLabel(v string) string {
	normalized := strings.TrimSpace(v)
	if normalized == "" {
		return "pending"
	}
	return normalized
}
