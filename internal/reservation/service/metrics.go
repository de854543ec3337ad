package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Reservation creation attempts grouped by result.",
	}, []string{"result"})

	reservationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_outcomes_total",
		Help: "Terminal reservation transitions grouped by outcome.",
	}, []string{"outcome"})

	expirationSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_expiration_signals_total",
		Help: "Expiration signals observed grouped by source and whether they won the release.",
	}, []string{"source", "result"})

	slotReleaseAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_slot_release_attempts_total",
		Help: "Slot release calls made on the release path grouped by result.",
	}, []string{"result"})

	holdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reservation_slot_hold_seconds",
		Help:    "Time spent selecting and locking a slot.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
)
