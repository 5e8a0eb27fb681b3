// Package metrics exposes the stream-processing counters over Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeOK labels groups reconstructed successfully.
	OutcomeOK = "ok"
	// OutcomeError labels groups whose reconstruction failed.
	OutcomeError = "error"
)

var (
	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kspace_stream",
			Name:      "records_total",
			Help:      "Acquisition records consumed, partitioned by role.",
		},
		[]string{"role"},
	)

	groupsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kspace_stream",
			Name:      "groups_emitted_total",
			Help:      "Completed groups emitted, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	readoutsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kspace_stream",
			Name:      "readouts_dropped_total",
			Help:      "Logical readouts dropped due to sequencing violations.",
		},
	)

	reconstructionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kspace_stream",
			Name:      "reconstruction_seconds",
			Help:      "Wall time of one collaborator reconstruction call.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

// Register attaches the stream collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		recordsTotal,
		groupsEmittedTotal,
		readoutsDroppedTotal,
		reconstructionSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// CountRecord records one consumed acquisition record.
func CountRecord(role string) {
	recordsTotal.WithLabelValues(role).Inc()
}

// CountDroppedReadout records one dropped logical readout.
func CountDroppedReadout() {
	readoutsDroppedTotal.Inc()
}

// ObserveGroup records one emitted group with its reconstruction duration.
func ObserveGroup(duration time.Duration, outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeOK
	}
	groupsEmittedTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	reconstructionSeconds.Observe(duration.Seconds())
}
