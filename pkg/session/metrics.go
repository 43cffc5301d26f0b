package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeClosed = "closed"
	outcomeFailed = "failed"
	outcomeFault  = "fault"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scenecast",
		Name:      "sessions_active",
		Help:      "Sessions in the registry.",
	})
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenecast",
		Name:      "sessions_total",
		Help:      "Finished sessions by the outcome.",
	}, []string{"outcome"})
	sessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenecast",
		Name:      "session_errors_total",
		Help:      "Session errors by the kind.",
	}, []string{"kind"})
)
