package websocket

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/scenecast/relay/pkg/com"
	"github.com/scenecast/relay/pkg/logger"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	sendQueue      = 32
)

var ErrClosed = errors.New("connection closed")

type Options struct {
	// MaxMessageSize limits inbound messages in bytes.
	MaxMessageSize int64
	// Origins is the list of allowed Origin header hosts,
	// empty allows any.
	Origins  []string
	PingPong bool
}

// Conn is a signaling connection with one goroutine reading and one writing.
type Conn struct {
	id   com.Uid
	conn deadlinedConn
	send chan []byte
	done chan struct{}
	once sync.Once
	opts Options
	log  *logger.Logger

	pumps sync.WaitGroup
}

func upgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin:     checkOrigin(origins),
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(origins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, u.Host) || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// NewServer upgrades an HTTP request into a websocket connection.
func NewServer(w http.ResponseWriter, r *http.Request, opts Options, log *logger.Logger) (*Conn, error) {
	up := upgrader(opts.Origins)
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, opts, log), nil
}

// NewClient dials a websocket server.
func NewClient(address url.URL, log *logger.Logger) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, Options{}, log), nil
}

func newSocket(conn *websocket.Conn, opts Options, log *logger.Logger) *Conn {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = maxMessageSize
	}
	id := com.NewUid()
	if log == nil {
		log = logger.Default()
	}
	return &Conn{
		id:   id,
		conn: deadlinedConn{sock: conn, wt: writeWait},
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
		opts: opts,
		log:  log.Extend(log.With().Str("ws", id.Short())),
	}
}

func (c *Conn) Id() com.Uid { return c.id }

// Listen starts the read and write pumps.
// The onClose callback is called once after the connection went down,
// regardless of which side closed it.
func (c *Conn) Listen(onMessage func([]byte), onClose func()) {
	c.pumps.Add(2)
	go c.writer()
	go c.reader(onMessage, onClose)
}

// reader pumps messages from the websocket connection to the onMessage callback.
// Serializes all websocket reads.
func (c *Conn) reader(onMessage func([]byte), onClose func()) {
	defer func() {
		c.Close()
		c.pumps.Done()
		c.log.Debug().Msg("close reader")
		if onClose != nil {
			onClose()
		}
	}()
	c.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(c.opts.MaxMessageSize)
		if c.opts.PingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongTime)) })
		}
	})
	for {
		message, err := c.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn().Err(err).Msg("read")
			}
			return
		}
		c.log.Trace().Int("size", len(message)).Msg("read")
		if onMessage != nil {
			onMessage(message)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Serializes all websocket writes.
func (c *Conn) writer() {
	var tick <-chan time.Time
	if c.opts.PingPong {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		_ = c.conn.writeClose()
		_ = c.conn.close()
		c.pumps.Done()
		c.log.Debug().Msg("close writer")
	}()
	for {
		select {
		case message := <-c.send:
			if err := c.conn.write(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("write")
				c.Close()
				return
			}
			c.log.Trace().Int("size", len(message)).Msg("write")
		case <-tick:
			if err := c.conn.write(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("ping")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Write queues a text message. It is safe to call from any goroutine.
func (c *Conn) Write(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close tells the peer to go away and closes the socket.
// Safe to call many times.
func (c *Conn) Close() { c.once.Do(func() { close(c.done) }) }

// Done is closed when the connection started to close.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until both pumps have finished.
func (c *Conn) Wait() { c.pumps.Wait() }
