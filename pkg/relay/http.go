package relay

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/network/httpx"
	"github.com/scenecast/relay/pkg/network/websocket"
)

func (r *Relay) handler(s *httpx.Server) httpx.Handler {
	h := s.Mux()
	h.HandleFunc(r.conf.Relay.Signaling.Path, r.signaling)
	static := newCors(r.conf.Relay.Cors)
	for _, st := range r.conf.Relay.Static {
		if st.Prefix == "" || st.Dir == "" {
			continue
		}
		prefix := st.Prefix
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		h.Handle(prefix, static.Handler(http.StripPrefix(prefix, httpx.FileServer(st.Dir))))
		r.log.Debug().Msgf("Static %v -> %v", prefix, st.Dir)
	}
	return h
}

// signaling upgrades the request and hands the connection
// over to a new session.
func (r *Relay) signaling(w http.ResponseWriter, req *http.Request) {
	sig := r.conf.Relay.Signaling
	conn, err := websocket.NewServer(w, req, websocket.Options{
		MaxMessageSize: sig.MaxMessageSize,
		Origins:        sig.Origins,
		PingPong:       sig.PingPong,
	}, r.log)
	if err != nil {
		r.log.Warn().Err(err).Str("origin", req.Header.Get("Origin")).Msg("websocket upgrade fail")
		return
	}
	s, err := r.manager.Accept(conn)
	if err != nil {
		r.log.Debug().Err(err).Msg("connection is dropped")
		// the pumps send the close frame of the closed connection
		conn.Listen(nil, nil)
		return
	}
	conn.Listen(s.Deliver, s.ChannelClosed)
}

func newCors(conf config.Cors) *cors.Cors {
	origins := conf.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := conf.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	}
	headers := conf.Headers
	if len(headers) == 0 {
		headers = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
	})
}
