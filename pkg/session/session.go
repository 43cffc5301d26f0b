package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/scenecast/relay/pkg/api"
	"github.com/scenecast/relay/pkg/browser"
	"github.com/scenecast/relay/pkg/com"
	"github.com/scenecast/relay/pkg/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const inboxSize = 64

type eventKind int

const (
	evMessage eventKind = iota
	evClosed
	evFault
	evLocalCandidate
)

type event struct {
	kind      eventKind
	data      []byte
	err       error
	candidate *webrtc.ICECandidateInit
}

// Session is one viewer connection with all its resources.
// Its fields are owned by the event loop goroutine.
type Session struct {
	id      com.Uid
	channel Channel
	state   atomic.Int32

	inbox chan event
	quit  chan struct{}

	// ctx is cancelled with the channel close,
	// it aborts any acquisition in flight
	ctx    context.Context
	cancel context.CancelFunc

	peer       Peer
	browser    Browser
	transcoder Transcoder
	source     VideoSource
	stream     io.ReadCloser

	pendingCandidates []webrtc.ICECandidateInit
	finished          bool

	limiter *rate.Limiter
	m       *Manager
	log     *logger.Logger
}

func newSession(id com.Uid, ch Channel, m *Manager) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		channel: ch,
		inbox:   make(chan event, inboxSize),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		m:       m,
		log:     m.log.Extend(m.log.With().Str(logger.SessionField, id.Short())),
	}
	if i := m.opts.Interaction; i.Rate > 0 {
		burst := i.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(i.Rate), burst)
	}
	return s
}

func (s *Session) Id() com.Uid  { return s.id }
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(v State) {
	old := State(s.state.Swap(int32(v)))
	if old != v {
		s.log.Debug().Str(logger.StateField, v.String()).Msgf("%v -> %v", old, v)
	}
}

// Done is closed when the session loop has finished.
func (s *Session) Done() <-chan struct{} { return s.quit }

// Deliver queues a signaling message, messages are handled in the arrival order.
func (s *Session) Deliver(data []byte) { s.post(event{kind: evMessage, data: data}) }

// ChannelClosed tells the session that its connection has gone.
func (s *Session) ChannelClosed() {
	s.cancel()
	s.post(event{kind: evClosed})
}

func (s *Session) post(ev event) {
	select {
	case s.inbox <- ev:
	case <-s.quit:
	}
}

func (s *Session) run() {
	defer close(s.quit)
	for ev := range s.inbox {
		switch ev.kind {
		case evMessage:
			s.handle(ev.data)
		case evLocalCandidate:
			s.sendCandidate(ev.candidate)
		case evFault:
			s.fault(ev.err)
		case evClosed:
			s.teardown(outcomeClosed)
			return
		}
	}
}

func (s *Session) handle(data []byte) {
	typ, err := api.Decode(data)
	if err != nil {
		s.reject(fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}
	if s.State() >= Closing {
		s.reject(fmt.Errorf("%w: %v in the %v state", ErrProtocol, typ, s.State()))
		return
	}
	switch typ {
	case api.Offer:
		err = s.offer(data)
	case api.Candidate:
		err = s.candidate(data)
	case api.Interaction:
		err = s.interaction(data)
	default:
		err = fmt.Errorf("%w: unknown message type %q", ErrProtocol, typ)
	}
	if err != nil {
		s.reject(err)
	}
}

func (s *Session) reject(err error) {
	sessionErrors.WithLabelValues(kind(err)).Inc()
	if errors.Is(err, ErrBestEffort) {
		s.log.Warn().Err(err).Send()
		return
	}
	s.log.Error().Err(err).Send()
}

func (s *Session) offer(data []byte) error {
	if s.State() != New {
		return fmt.Errorf("%w: offer in the %v state", ErrProtocol, s.State())
	}
	req, err := api.Unwrap[api.OfferRequest](data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if req.Sdp == "" {
		return fmt.Errorf("%w: offer without sdp", ErrProtocol)
	}
	url, err := s.m.deps.Resolve(req.Target())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	s.setState(Negotiating)
	s.m.register(s)
	if err = s.acquire(url, req.Sdp); err != nil {
		s.release()
		s.finish(outcomeFailed)
		return fmt.Errorf("%w: %w", ErrAcquisition, err)
	}
	s.feed()
	return nil
}

// acquire gets all the session resources and sends the answer.
// Whatever is acquired is kept in the session, so it can be released.
func (s *Session) acquire(url string, sdp string) (err error) {
	w, h := s.m.opts.Width, s.m.opts.Height

	if s.source, err = s.m.deps.NewSource(s.log); err != nil {
		return fmt.Errorf("video source: %w", err)
	}
	source := s.source

	var (
		b      Browser
		stream io.ReadCloser
		t      Transcoder
	)
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() (err error) {
		if b, err = s.m.deps.Launch(ctx, w, h, s.log); err != nil {
			return err
		}
		if err = b.Navigate(ctx, url); err != nil {
			return err
		}
		stream, err = b.CaptureStream(ctx, browser.CaptureOptions{Video: true})
		return err
	})
	g.Go(func() (err error) {
		t, err = s.m.deps.Transcode(ctx, w, h, source.OnFrame, s.log)
		return err
	})
	err = g.Wait()
	s.browser, s.stream, s.transcoder = b, stream, t
	if err != nil {
		return err
	}
	s.setState(Capturing)

	track, err := source.CreateTrack()
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}
	if s.peer, err = s.m.deps.NewPeer(s.onLocalCandidate, s.log); err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	if err = s.peer.AddTrack(track); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	if err = s.peer.SetRemoteOffer(sdp); err != nil {
		return fmt.Errorf("remote description: %w", err)
	}
	s.drainCandidates()
	answer, err := s.peer.Answer()
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	out, err := api.AnswerMessage(*answer)
	if err != nil {
		return err
	}
	if err = s.channel.Write(out); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	s.setState(Connected)
	s.log.Info().Str("url", url).Msg("Session is connected")
	return nil
}

// feed starts to pipe the capture stream into the transcoder
// and watches the process.
func (s *Session) feed() {
	t, stream := s.transcoder, s.stream
	go func() {
		if err := t.Feed(stream); err != nil {
			s.post(event{kind: evFault, err: fmt.Errorf("%w: %w", ErrPipeline, err)})
		}
	}()
	go func() {
		select {
		case <-t.Done():
			err := t.Err()
			if err == nil {
				err = errors.New("transcoder has stopped")
			}
			s.post(event{kind: evFault, err: fmt.Errorf("%w: %w", ErrPipeline, err)})
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) drainCandidates() {
	for _, c := range s.pendingCandidates {
		if err := s.peer.AddCandidate(c); err != nil {
			s.reject(fmt.Errorf("%w: candidate: %w", ErrBestEffort, err))
		}
	}
	if n := len(s.pendingCandidates); n > 0 {
		s.log.Debug().Msgf("Applied %v queued candidates", n)
	}
	s.pendingCandidates = nil
}

func (s *Session) candidate(data []byte) error {
	msg, err := api.Unwrap[api.CandidateMessage](data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	// null is the end of the remote candidates
	if msg.Candidate == nil {
		s.log.Debug().Msg("End of remote candidates")
		return nil
	}
	if s.peer == nil {
		s.pendingCandidates = append(s.pendingCandidates, *msg.Candidate)
		return nil
	}
	if err = s.peer.AddCandidate(*msg.Candidate); err != nil {
		return fmt.Errorf("%w: candidate: %w", ErrBestEffort, err)
	}
	return nil
}

func (s *Session) interaction(data []byte) error {
	if s.State() != Connected {
		return fmt.Errorf("%w: interaction in the %v state", ErrProtocol, s.State())
	}
	conf := s.m.opts.Interaction
	if !conf.Enabled {
		return nil
	}
	req, err := api.Unwrap[api.InteractionRequest](data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return fmt.Errorf("%w: %v event is over the rate limit", ErrBestEffort, req.EventType)
	}
	ctx := s.ctx
	if conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Timeout)
		defer cancel()
	}
	if err = s.browser.InjectInput(ctx, req.EventType, req.EventData); err != nil {
		return fmt.Errorf("%w: input: %w", ErrBestEffort, err)
	}
	return nil
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidateInit) {
	s.post(event{kind: evLocalCandidate, candidate: c})
}

func (s *Session) sendCandidate(c *webrtc.ICECandidateInit) {
	if c == nil || s.State() >= Closing {
		return
	}
	out, err := api.CandidateOut(*c)
	if err != nil {
		s.log.Error().Err(err).Msg("candidate")
		return
	}
	if err = s.channel.Write(out); err != nil {
		s.log.Warn().Err(err).Msg("candidate")
	}
}

// fault tears down the session after a pipeline error and closes the channel.
func (s *Session) fault(err error) {
	if s.State() >= Closing {
		return
	}
	s.reject(err)
	s.teardown(outcomeFault)
	s.channel.Close()
}

func (s *Session) teardown(outcome string) {
	if s.State() < Closing {
		s.setState(Closing)
	}
	s.cancel()
	s.release()
	s.finish(outcome)
}

// release closes the resources in the order: the peer first so no frames
// go into a closed sink, then the browser, so the transcoder sees the end
// of its input, then the transcoder and the video source.
// Every step is done even if the previous one fails.
func (s *Session) release() {
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("peer close")
		}
		s.peer = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.log.Warn().Err(err).Msg("browser close")
		}
		s.browser = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Warn().Err(err).Msg("capture stream close")
		}
		s.stream = nil
	}
	if s.transcoder != nil {
		if err := s.transcoder.Close(); err != nil {
			s.log.Warn().Err(err).Msg("transcoder close")
		}
		s.transcoder = nil
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.log.Warn().Err(err).Msg("video source close")
		}
		s.source = nil
	}
	s.pendingCandidates = nil
}

// finish moves the session into CLOSED only once.
func (s *Session) finish(outcome string) {
	if s.finished {
		return
	}
	s.finished = true
	s.m.unregister(s)
	s.setState(Closed)
	sessionsTotal.WithLabelValues(outcome).Inc()
	s.log.Info().Str("outcome", outcome).Msg("Session is closed")
}
