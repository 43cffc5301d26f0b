// Package relay puts together the HTTP surface, the signaling endpoint
// and the session manager.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/scenecast/relay/pkg/browser"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/monitoring"
	"github.com/scenecast/relay/pkg/network/httpx"
	"github.com/scenecast/relay/pkg/network/webrtc"
	"github.com/scenecast/relay/pkg/service"
	"github.com/scenecast/relay/pkg/session"
)

type Relay struct {
	conf     config.RelayConfig
	manager  *session.Manager
	server   *httpx.Server
	services service.Group
	log      *logger.Logger
}

func New(conf config.RelayConfig, log *logger.Logger) (*Relay, error) {
	api, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: %w", err)
	}
	deps := newDeps(conf, api, browser.NewLauncher(conf.Browser, log))
	return NewWithDeps(conf, deps, log)
}

// NewWithDeps makes a relay with custom session resources.
func NewWithDeps(conf config.RelayConfig, deps session.Deps, log *logger.Logger) (*Relay, error) {
	r := &Relay{
		conf: conf,
		manager: session.NewManager(deps, session.Options{
			Width:       conf.Video.Width,
			Height:      conf.Video.Height,
			Interaction: conf.Interaction,
		}, log.Module("session")),
		log: log,
	}

	server, err := httpx.NewServer(
		conf.Relay.Server.GetAddr(),
		r.handler,
		httpx.WithServerConfig(conf.Relay.Server),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}
	r.server = server

	mon, err := monitoring.New(conf.Relay.Monitoring, log)
	if err != nil {
		return nil, err
	}
	if mon != nil {
		r.services.Add(mon)
	}
	return r, nil
}

func (r *Relay) Run() {
	r.server.Run()
	r.services.Start()
	r.log.Info().Msgf("Relay is listening at %v://%v%v",
		r.server.GetProtocol(), r.server.Addr, r.conf.Relay.Signaling.Path)
}

// Shutdown stops the HTTP server so no new connections come,
// then closes all the sessions and the rest of the services.
func (r *Relay) Shutdown(ctx context.Context) error {
	err := r.server.Shutdown(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.manager.Close()
	return errors.Join(err, r.services.Shutdown(ctx))
}

// Sessions returns the number of the registered sessions.
func (r *Relay) Sessions() int { return r.manager.Len() }

// Port returns the port of the HTTP server.
func (r *Relay) Port() int { return r.server.Port() }

func (r *Relay) String() string { return "relay::" + r.server.Addr }
