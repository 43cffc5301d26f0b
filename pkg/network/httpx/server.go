package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/scenecast/relay/pkg/logger"
	"golang.org/x/crypto/acme/autocert"
)

type (
	Handler        = http.Handler
	HandlerFunc    = http.HandlerFunc
	ResponseWriter = http.ResponseWriter
	Request        = http.Request
)

// Mux is a ServeMux with all its patterns under one prefix.
type Mux struct {
	*http.ServeMux
	prefix string
}

func NewServeMux(prefix string) *Mux { return &Mux{ServeMux: http.NewServeMux(), prefix: prefix} }

func (m *Mux) Handle(pattern string, handler Handler) *Mux {
	m.ServeMux.Handle(m.prefix+pattern, handler)
	return m
}

func (m *Mux) HandleFunc(pattern string, handler func(ResponseWriter, *Request)) *Mux {
	m.ServeMux.HandleFunc(m.prefix+pattern, handler)
	return m
}

// Server is an HTTP or HTTPS server on its own listener.
// An HTTPS server gets a plain HTTP companion that redirects to it
// and answers ACME challenges when the certs come from Let's Encrypt.
type Server struct {
	http.Server

	opts     Options
	listener *Listener
	certs    *autocert.Manager
	redirect *Server
	log      *logger.Logger
}

func NewServer(address string, handler func(*Server) Handler, options ...Option) (*Server, error) {
	opts := Options{
		HttpsRedirect: true,
		IdleTimeout:   120 * time.Second,
		ReadTimeout:   500 * time.Second,
		WriteTimeout:  500 * time.Second,
	}
	opts.override(options...)
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	if address == "" {
		address = ":http"
		if opts.Https {
			address = ":https"
		}
		opts.Logger.Warn().Msgf("Empty server address has been changed to %v", address)
	}
	ls, err := NewListener(address, opts.PortRoll)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Server: http.Server{
			Addr:              buildAddress(address, opts.Zone, *ls),
			IdleTimeout:       opts.IdleTimeout,
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
		},
		opts:     opts,
		listener: ls,
		log:      opts.Logger,
	}
	if opts.Https && opts.IsAutoHttpsCert() {
		s.certs = newCertManager(withZone(opts.HttpsDomain, opts.Zone), opts.CertCache)
		s.TLSConfig = s.certs.TLSConfig()
	}
	s.Handler = handler(s)

	if opts.Https && opts.HttpsRedirect {
		if s.redirect, err = s.newRedirect(); err != nil {
			_ = ls.Close()
			return nil, err
		}
	}
	s.log.Debug().Msgf("httpx %v (%v)", s.Addr, address)
	return s, nil
}

func withZone(host, zone string) string {
	if host == "" || zone == "" {
		return host
	}
	return zone + "." + host
}

// newRedirect makes the HTTP server that sends everyone to this HTTPS one.
func (s *Server) newRedirect() (*Server, error) {
	host := s.Addr
	if s.opts.HttpsDomain != "" {
		host = buildAddress(s.opts.HttpsDomain, s.opts.Zone, *s.listener)
	}
	return NewServer(s.opts.HttpsRedirectAddress, func(*Server) Handler {
		h := redirectTo(host, s.log)
		if s.certs != nil {
			return s.certs.HTTPHandler(h)
		}
		return h
	},
		WithLogger(s.log),
		WithPortRoll(s.opts.PortRoll),
	)
}

func redirectTo(host string, log *logger.Logger) Handler {
	return HandlerFunc(func(w ResponseWriter, r *Request) {
		to := url.URL{Scheme: "https", Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
		log.Debug().Str("from", r.Host+r.URL.String()).Str("to", to.String()).Msg("Redirect")
		http.Redirect(w, r, to.String(), http.StatusFound)
	})
}

func (s *Server) Mux() *Mux { return NewServeMux("") }

// Run serves in the background, along with the redirect server if any.
func (s *Server) Run() {
	if s.redirect != nil {
		s.log.Info().Msgf("HTTPS redirect from %v", s.redirect.Addr)
		s.redirect.Run()
	}
	go s.serve()
}

func (s *Server) serve() {
	protocol := s.GetProtocol()
	s.log.Debug().Msgf("Starting %s server on %s", protocol, s.Addr)

	var err error
	if s.opts.Https {
		err = s.ServeTLS(*s.listener, s.opts.HttpsCert, s.opts.HttpsKey)
	} else {
		err = s.Serve(*s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		s.log.Debug().Msgf("%s server was closed", protocol)
		return
	}
	s.log.Error().Err(err).Msgf("%s server has failed", protocol)
}

// Shutdown stops accepting new connections and waits
// for the active ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.redirect != nil {
		err = s.redirect.Shutdown(ctx)
	}
	return errors.Join(err, s.Server.Shutdown(ctx))
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	var err error
	if s.redirect != nil {
		err = s.redirect.Stop()
	}
	err = errors.Join(err, s.Server.Close())
	// not served listeners are not closed by the server
	_ = s.listener.Close()
	return err
}

// Port returns the actual port of the server listener.
func (s *Server) Port() int { return s.listener.GetPort() }

func (s *Server) GetProtocol() string {
	if s.opts.Https {
		return "https"
	}
	return "http"
}

func (s *Server) String() string { return s.GetProtocol() + "::" + s.Addr }

func FileServer(dir string) Handler { return http.FileServer(http.Dir(dir)) }
