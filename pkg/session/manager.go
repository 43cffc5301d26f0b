// Package session drives one viewing session per signaling connection:
// it launches the browser and the transcoder, negotiates the WebRTC track
// and releases everything when the connection goes away.
package session

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/scenecast/relay/pkg/browser"
	"github.com/scenecast/relay/pkg/com"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/media/frame"
)

// Channel is the signaling connection of one viewer.
type Channel interface {
	Write(data []byte) error
	Close()
}

type Browser interface {
	Navigate(ctx context.Context, url string) error
	CaptureStream(ctx context.Context, opts browser.CaptureOptions) (io.ReadCloser, error)
	InjectInput(ctx context.Context, eventType string, data []any) error
	Close() error
}

type Transcoder interface {
	Feed(r io.Reader) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	SetRemoteOffer(sdp string) error
	Answer() (*webrtc.SessionDescription, error)
	AddCandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

type VideoSource interface {
	OnFrame(f frame.Frame)
	CreateTrack() (webrtc.TrackLocal, error)
	Close() error
}

// Deps makes the resources of a session.
type Deps struct {
	// Resolve checks the requested target and returns the page URL.
	Resolve   func(target string) (string, error)
	Launch    func(ctx context.Context, w, h int, log *logger.Logger) (Browser, error)
	Transcode func(ctx context.Context, w, h int, sink func(frame.Frame), log *logger.Logger) (Transcoder, error)
	NewPeer   func(onCandidate func(*webrtc.ICECandidateInit), log *logger.Logger) (Peer, error)
	NewSource func(log *logger.Logger) (VideoSource, error)
}

type Options struct {
	Width       int
	Height      int
	Interaction config.Interaction
}

// Manager owns the registry of the sessions that have got an offer.
type Manager struct {
	// sessions is the registry, it has only the offered sessions
	sessions *com.Map[com.Uid, *Session]
	// live has all the accepted sessions
	live *com.Map[com.Uid, *Session]
	wg   sync.WaitGroup

	// mu guards closed with the start of new session loops
	mu     sync.Mutex
	closed bool

	deps Deps
	opts Options
	log  *logger.Logger
}

func NewManager(deps Deps, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		sessions: com.NewMap[com.Uid, *Session](),
		live:     com.NewMap[com.Uid, *Session](),
		deps:     deps,
		opts:     opts,
		log:      log,
	}
}

// Accept makes a new session in the NEW state for the connection
// and starts its event loop.
// After Close the channel is closed right away and ErrClosed is returned.
func (m *Manager) Accept(ch Channel) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.Close()
		return nil, ErrClosed
	}
	s := newSession(com.NewUid(), ch, m)
	m.live.Put(s.id, s)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		s.run()
		m.live.RemoveByKey(s.id)
	}()
	s.log.Debug().Msg("Session is accepted")
	return s, nil
}

// Find returns a registered session or com.ErrNotFound.
func (m *Manager) Find(id com.Uid) (*Session, error) { return m.sessions.Find(id) }

// Len returns the number of registered sessions.
func (m *Manager) Len() int { return m.sessions.Len() }

func (m *Manager) register(s *Session) {
	if m.sessions.PutIfAbsent(s.id, s) {
		sessionsActive.Inc()
	}
}

func (m *Manager) unregister(s *Session) {
	if _, err := m.sessions.Pop(s.id); err == nil {
		sessionsActive.Dec()
	}
}

// Close closes all the connections and waits until every session is released.
// No new sessions are accepted after it.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.live.Values() {
		s.channel.Close()
		s.ChannelClosed()
	}
	m.wg.Wait()
	m.log.Debug().Msg("All sessions are closed")
}
