package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "scenecast",
	Name:      "frames_total",
	Help:      "Encoded video frames written into tracks.",
})
