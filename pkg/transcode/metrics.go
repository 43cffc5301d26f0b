package transcode

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inputBytes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "scenecast",
	Name:      "transcoder_input_bytes_total",
	Help:      "Bytes of the capture streams written into transcoders.",
})
