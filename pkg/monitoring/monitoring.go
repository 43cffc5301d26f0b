package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/network/httpx"
)

type Monitoring struct {
	conf   config.Monitoring
	server *httpx.Server
	log    *logger.Logger
}

// New creates new monitoring service.
// It returns nil when neither metrics nor profiling are enabled.
func New(conf config.Monitoring, log *logger.Logger) (*Monitoring, error) {
	if !conf.IsEnabled() {
		return nil, nil
	}
	log = log.Module("monitoring")
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(serv *httpx.Server) httpx.Handler { return handler(conf, serv.Addr, log) },
		httpx.WithLogger(log),
		httpx.WithPortRoll(true),
	)
	if err != nil {
		return nil, fmt.Errorf("monitoring server: %w", err)
	}
	return &Monitoring{conf: conf, server: serv, log: log}, nil
}

func handler(conf config.Monitoring, addr string, log *logger.Logger) http.Handler {
	h := httpx.NewServeMux(conf.URLPrefix)

	if conf.ProfilingEnabled {
		prefix := "/debug/pprof"
		log.Info().Msgf("Profiling is enabled at %v", addr+conf.URLPrefix+prefix)
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		// named profiles are not served by the index under a custom prefix
		for _, p := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			h.Handle(prefix+"/"+p, pprof.Handler(p))
		}
	}

	if conf.MetricEnabled {
		log.Info().Msgf("Prometheus metric is enabled at %v", addr+conf.URLPrefix+"/metrics")
		h.Handle("/metrics", promhttp.Handler())
	}

	return h
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) Port() int { return m.server.Port() }

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
