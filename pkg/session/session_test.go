package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/scenecast/relay/pkg/browser"
	"github.com/scenecast/relay/pkg/com"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/media/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 5 * time.Second
const tick = 5 * time.Millisecond

// calls records the order of calls across all the fakes.
type calls struct {
	sync.Mutex
	log []string
}

func (c *calls) add(v string) { c.Lock(); c.log = append(c.log, v); c.Unlock() }

func (c *calls) list() []string {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.log...)
}

func (c *calls) count(v string) (n int) {
	for _, x := range c.list() {
		if x == v {
			n++
		}
	}
	return
}

type fakeChannel struct {
	sync.Mutex
	out    [][]byte
	closes int
}

func (f *fakeChannel) Write(data []byte) error {
	f.Lock()
	defer f.Unlock()
	if f.closes > 0 {
		return errors.New("closed")
	}
	f.out = append(f.out, data)
	return nil
}

func (f *fakeChannel) Close() { f.Lock(); f.closes++; f.Unlock() }

func (f *fakeChannel) closed() int { f.Lock(); defer f.Unlock(); return f.closes }

func (f *fakeChannel) messages() []map[string]any {
	f.Lock()
	defer f.Unlock()
	var all []map[string]any
	for _, m := range f.out {
		var v map[string]any
		_ = json.Unmarshal(m, &v)
		all = append(all, v)
	}
	return all
}

type fakeBrowser struct {
	c      *calls
	pr     *io.PipeReader
	pw     *io.PipeWriter
	inputs chan string
	fail   error
	// streamErr is returned by the capture stream Close
	streamErr error
}

func (b *fakeBrowser) Navigate(context.Context, string) error { b.c.add("navigate"); return b.fail }

func (b *fakeBrowser) CaptureStream(context.Context, browser.CaptureOptions) (io.ReadCloser, error) {
	b.c.add("capture")
	if b.streamErr != nil {
		return failingStream{ReadCloser: b.pr, err: b.streamErr}, nil
	}
	return b.pr, nil
}

type failingStream struct {
	io.ReadCloser
	err error
}

func (f failingStream) Close() error { _ = f.ReadCloser.Close(); return f.err }

func (b *fakeBrowser) InjectInput(_ context.Context, typ string, _ []any) error {
	b.inputs <- typ
	return nil
}

func (b *fakeBrowser) Close() error { b.c.add("browser.close"); return b.pw.Close() }

type fakeTranscoder struct {
	c    *calls
	once sync.Once
	done chan struct{}
	err  error
}

func (t *fakeTranscoder) Feed(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (t *fakeTranscoder) Done() <-chan struct{} { return t.done }
func (t *fakeTranscoder) Err() error            { <-t.done; return t.err }

func (t *fakeTranscoder) exit(err error) { t.once.Do(func() { t.err = err; close(t.done) }) }

func (t *fakeTranscoder) Close() error { t.c.add("transcoder.close"); t.exit(nil); return nil }

type fakePeer struct {
	c           *calls
	onCandidate func(*webrtc.ICECandidateInit)
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error { p.c.add("track"); return nil }
func (p *fakePeer) SetRemoteOffer(string) error      { p.c.add("remote"); return nil }

func (p *fakePeer) Answer() (*webrtc.SessionDescription, error) {
	p.c.add("answer")
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) AddCandidate(c webrtc.ICECandidateInit) error {
	p.c.add("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) Close() error { p.c.add("peer.close"); return nil }

type fakeSource struct{ c *calls }

func (s *fakeSource) OnFrame(frame.Frame) {}
func (s *fakeSource) CreateTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "v", "v")
}
func (s *fakeSource) Close() error { s.c.add("source.close"); return nil }

type world struct {
	c           calls
	mu          sync.Mutex
	browsers    []*fakeBrowser
	transcoders []*fakeTranscoder
	peers       []*fakePeer

	launchErr error
	// blockLaunch makes the launch wait for the ctx
	blockLaunch bool
	inputs      chan string
	streamErr   error
	log         *logger.Logger
}

func (w *world) deps() Deps {
	return Deps{
		Resolve: func(target string) (string, error) {
			return browser.PageURL(config.Browser{}, target)
		},
		Launch: func(ctx context.Context, _, _ int, _ *logger.Logger) (Browser, error) {
			w.c.add("launch")
			if w.blockLaunch {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if w.launchErr != nil {
				return nil, w.launchErr
			}
			pr, pw := io.Pipe()
			b := &fakeBrowser{c: &w.c, pr: pr, pw: pw, inputs: w.inputs, streamErr: w.streamErr}
			w.mu.Lock()
			w.browsers = append(w.browsers, b)
			w.mu.Unlock()
			return b, nil
		},
		Transcode: func(context.Context, int, int, func(frame.Frame), *logger.Logger) (Transcoder, error) {
			w.c.add("spawn")
			t := &fakeTranscoder{c: &w.c, done: make(chan struct{})}
			w.mu.Lock()
			w.transcoders = append(w.transcoders, t)
			w.mu.Unlock()
			return t, nil
		},
		NewPeer: func(onCandidate func(*webrtc.ICECandidateInit), _ *logger.Logger) (Peer, error) {
			w.c.add("peer")
			p := &fakePeer{c: &w.c, onCandidate: onCandidate}
			w.mu.Lock()
			w.peers = append(w.peers, p)
			w.mu.Unlock()
			return p, nil
		},
		NewSource: func(*logger.Logger) (VideoSource, error) { return &fakeSource{c: &w.c}, nil },
	}
}

func newWorld(t *testing.T, mod func(*world, *Options)) (*world, *Manager) {
	t.Helper()
	w := &world{inputs: make(chan string, 100)}
	opts := Options{Width: 1280, Height: 720, Interaction: config.Interaction{Enabled: true, Rate: 1000, Burst: 100}}
	if mod != nil {
		mod(w, &opts)
	}
	log := w.log
	if log == nil {
		log = logger.Nop()
	}
	m := NewManager(w.deps(), opts, log)
	t.Cleanup(m.Close)
	return w, m
}

const offer = `{"type":"offer","sdp":"v=0 offer","targetUrl":"http://data.local/cloud.js"}`

func candidate(c string) []byte {
	return []byte(`{"type":"candidate","candidate":{"candidate":"` + c + `","sdpMid":"0"}}`)
}

func accept(t *testing.T, m *Manager, ch Channel) *Session {
	t.Helper()
	s, err := m.Accept(ch)
	require.NoError(t, err)
	return s
}

func waitState(t *testing.T, s *Session, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == state }, wait, tick, "expected %v, got %v", state, s.State())
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatalf("session is stuck in %v", s.State())
	}
}

func TestOfferConnects(t *testing.T) {
	w, m := newWorld(t, nil)
	ch := &fakeChannel{}
	s := accept(t, m, ch)
	assert.Equal(t, New, s.State())

	_, err := m.Find(s.Id())
	assert.ErrorIs(t, err, com.ErrNotFound, "not registered before the offer")

	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	found, err := m.Find(s.Id())
	require.NoError(t, err)
	assert.Same(t, s, found)
	assert.Equal(t, 1, m.Len())

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "answer", msgs[0]["type"])
	assert.Equal(t, "v=0 answer", msgs[0]["sdp"])

	order := w.c.list()
	assert.Subset(t, order, []string{"launch", "navigate", "capture", "spawn", "peer", "track", "remote", "answer"})
	assert.Less(t, indexOf(order, "remote"), indexOf(order, "answer"))
}

func TestSecondOfferRejected(t *testing.T) {
	w, m := newWorld(t, nil)
	s := accept(t, m, &fakeChannel{})
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	s.Deliver([]byte(offer))
	s.Deliver(candidate("after"))
	require.Eventually(t, func() bool { return w.c.count("candidate:after") == 1 }, wait, tick)

	assert.Equal(t, 1, w.c.count("launch"), "no second browser")
	assert.Equal(t, 1, w.c.count("peer"))
	assert.Equal(t, 1, m.Len(), "no second session")
	assert.Equal(t, Connected, s.State())
}

func TestCandidateQueuing(t *testing.T) {
	w, m := newWorld(t, nil)
	s := accept(t, m, &fakeChannel{})
	s.Deliver(candidate("early1"))
	s.Deliver([]byte(`{"type":"icecandidate","candidate":{"candidate":"early2"}}`))
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	order := w.c.list()
	assert.Equal(t, 1, w.c.count("candidate:early1"))
	assert.Equal(t, 1, w.c.count("candidate:early2"))
	// applied after the remote description and before the answer
	assert.Less(t, indexOf(order, "remote"), indexOf(order, "candidate:early1"))
	assert.Less(t, indexOf(order, "candidate:early1"), indexOf(order, "candidate:early2"))
	assert.Less(t, indexOf(order, "candidate:early2"), indexOf(order, "answer"))
}

func TestTeardown(t *testing.T) {
	w, m := newWorld(t, nil)
	ch := &fakeChannel{}
	s := accept(t, m, ch)
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	s.ChannelClosed()
	waitDone(t, s)

	assert.Equal(t, Closed, s.State())
	_, err := m.Find(s.Id())
	assert.ErrorIs(t, err, com.ErrNotFound)
	assert.Equal(t, 0, m.Len())

	for _, c := range []string{"peer.close", "browser.close", "transcoder.close", "source.close"} {
		assert.Equal(t, 1, w.c.count(c), c)
	}
	order := w.c.list()
	assert.Less(t, indexOf(order, "peer.close"), indexOf(order, "browser.close"))
	assert.Less(t, indexOf(order, "browser.close"), indexOf(order, "transcoder.close"))

	// a repeated close is a no-op
	s.ChannelClosed()
	assert.Equal(t, 1, w.c.count("peer.close"))
}

func TestAcquisitionFailure(t *testing.T) {
	w, m := newWorld(t, func(w *world, _ *Options) { w.launchErr = errors.New("no chrome") })
	ch := &fakeChannel{}
	s := accept(t, m, ch)
	s.Deliver([]byte(offer))
	s.Deliver(candidate("c1"))
	s.Deliver(candidate("c2"))
	waitState(t, s, Closed)

	// wait for the candidates to be handled
	require.Eventually(t, func() bool { return len(s.inbox) == 0 }, wait, tick)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, ch.messages(), "no answer")
	assert.Equal(t, 0, ch.closed(), "the channel stays open")
	_, err := m.Find(s.Id())
	assert.ErrorIs(t, err, com.ErrNotFound)
	assert.Equal(t, 0, w.c.count("peer"))
	assert.Equal(t, 0, w.c.count("candidate:c1"))
	// the transcoder was spawned alongside and rolled back
	assert.Equal(t, w.c.count("spawn"), w.c.count("transcoder.close"))
	assert.Equal(t, 1, w.c.count("source.close"))
	select {
	case <-s.Done():
		t.Fatal("the loop should wait for the channel close")
	default:
	}

	s.ChannelClosed()
	waitDone(t, s)
	assert.Equal(t, 1, w.c.count("source.close"))
}

func TestCloseDuringLaunch(t *testing.T) {
	w, m := newWorld(t, func(w *world, _ *Options) { w.blockLaunch = true })
	s := accept(t, m, &fakeChannel{})
	s.Deliver([]byte(offer))
	require.Eventually(t, func() bool { return w.c.count("launch") == 1 }, wait, tick)
	assert.Equal(t, Negotiating, s.State())
	assert.Equal(t, 1, m.Len())

	s.ChannelClosed()
	waitDone(t, s)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, w.c.count("spawn"), w.c.count("transcoder.close"))
}

func TestInteraction(t *testing.T) {
	w, m := newWorld(t, nil)
	s := accept(t, m, &fakeChannel{})
	s.Deliver([]byte(`{"type":"interaction","eventType":"early","eventData":[]}`))
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)
	s.Deliver([]byte(`{"type":"interaction","eventType":"move","eventData":[1,2]}`))

	select {
	case typ := <-w.inputs:
		assert.Equal(t, "move", typ, "only the events of a connected session go to the browser")
	case <-time.After(wait):
		t.Fatal("no input")
	}
}

func TestInteractionRateLimit(t *testing.T) {
	w, m := newWorld(t, func(_ *world, o *Options) { o.Interaction.Rate = 0.001; o.Interaction.Burst = 2 })
	s := accept(t, m, &fakeChannel{})
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)
	for i := 0; i < 5; i++ {
		s.Deliver([]byte(`{"type":"interaction","eventType":"move","eventData":[1,2]}`))
	}
	s.Deliver(candidate("marker"))
	require.Eventually(t, func() bool { return w.c.count("candidate:marker") == 1 }, wait, tick)
	assert.Len(t, w.inputs, 2)
}

func TestPipelineFault(t *testing.T) {
	w, m := newWorld(t, nil)
	ch := &fakeChannel{}
	s := accept(t, m, ch)
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	w.mu.Lock()
	tr := w.transcoders[0]
	w.mu.Unlock()
	tr.exit(errors.New("exit status 1"))

	waitState(t, s, Closed)
	require.Eventually(t, func() bool { return ch.closed() == 1 }, wait, tick)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, w.c.count("peer.close"))
	assert.Equal(t, 1, w.c.count("browser.close"))
	assert.Equal(t, 1, w.c.count("transcoder.close"))

	// the channel reports its close back
	s.ChannelClosed()
	waitDone(t, s)
	assert.Equal(t, 1, w.c.count("peer.close"))
}

func TestLocalCandidates(t *testing.T) {
	w, m := newWorld(t, nil)
	ch := &fakeChannel{}
	s := accept(t, m, ch)
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	w.mu.Lock()
	p := w.peers[0]
	w.mu.Unlock()
	p.onCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:local"})
	p.onCandidate(nil)

	require.Eventually(t, func() bool { return len(ch.messages()) == 2 }, wait, tick)
	msgs := ch.messages()
	assert.Equal(t, "answer", msgs[0]["type"])
	assert.Equal(t, "candidate", msgs[1]["type"])
	assert.Equal(t, "candidate:local", msgs[1]["candidate"].(map[string]any)["candidate"])
}

func TestProtocolErrors(t *testing.T) {
	tests := []string{
		`not a json`,
		`{"sdp":"x"}`,
		`{"type":"hello"}`,
		`{"type":"offer","targetUrl":"http://data.local/a"}`,
		`{"type":"offer","sdp":"x","targetUrl":"ftp://data.local/a"}`,
		`{"type":"offer","sdp":"x"}`,
		`{"type":"candidate"}`,
	}
	w, m := newWorld(t, nil)
	s := accept(t, m, &fakeChannel{})
	for _, msg := range tests {
		s.Deliver([]byte(msg))
	}
	s.Deliver(candidate("marker"))
	s.Deliver([]byte(`{"type":"offer","sdp":"x","pointCloudUrl":"http://data.local/a"}`))
	waitState(t, s, Connected)
	assert.Equal(t, 1, w.c.count("launch"), "bad messages leave the session in NEW")
	assert.Equal(t, 1, w.c.count("candidate:marker"))
}

func TestManagerClose(t *testing.T) {
	w, m := newWorld(t, nil)
	a, b := &fakeChannel{}, &fakeChannel{}
	s1 := accept(t, m, a)
	s2 := accept(t, m, b)
	s1.Deliver([]byte(offer))
	waitState(t, s1, Connected)

	m.Close()
	waitDone(t, s1)
	waitDone(t, s2)
	assert.Equal(t, 1, a.closed())
	assert.Equal(t, 1, b.closed())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, w.c.count("browser.close"))
}

func TestAcceptAfterClose(t *testing.T) {
	w, m := newWorld(t, nil)
	m.Close()

	ch := &fakeChannel{}
	s, err := m.Accept(ch)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, s)
	assert.Equal(t, 1, ch.closed())
	assert.Equal(t, 0, w.c.count("launch"))
	// no session loop is left to wait for
	m.Close()
}

func TestAcceptDuringClose(t *testing.T) {
	_, m := newWorld(t, nil)
	for i := 0; i < 5; i++ {
		accept(t, m, &fakeChannel{})
	}

	var wg sync.WaitGroup
	channels := make([]*fakeChannel, 50)
	wg.Add(len(channels))
	for i := range channels {
		channels[i] = &fakeChannel{}
		go func(ch *fakeChannel) {
			defer wg.Done()
			_, _ = m.Accept(ch)
		}(channels[i])
	}
	m.Close()
	wg.Wait()
	m.Close()

	for _, ch := range channels {
		assert.Equal(t, 1, ch.closed(), "every connection is closed")
	}
}

func TestNullCandidate(t *testing.T) {
	w, m := newWorld(t, nil)
	ch := &fakeChannel{}
	s := accept(t, m, ch)
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)

	before := testutil.ToFloat64(sessionErrors.WithLabelValues("protocol"))
	s.Deliver([]byte(`{"type":"candidate","candidate":null}`))
	s.Deliver(candidate("after"))
	require.Eventually(t, func() bool { return w.c.count("candidate:after") == 1 }, wait, tick)

	assert.Equal(t, before, testutil.ToFloat64(sessionErrors.WithLabelValues("protocol")))
	assert.Equal(t, Connected, s.State())
}

func TestActiveGauge(t *testing.T) {
	_, m := newWorld(t, nil)
	before := testutil.ToFloat64(sessionsActive)

	a, b := &fakeChannel{}, &fakeChannel{}
	s1, s2 := accept(t, m, a), accept(t, m, b)
	s1.Deliver([]byte(offer))
	s2.Deliver([]byte(offer))
	waitState(t, s1, Connected)
	waitState(t, s2, Connected)
	assert.Equal(t, before+2, testutil.ToFloat64(sessionsActive))

	// the second offer is rejected and counts nothing
	s1.Deliver([]byte(offer))
	s1.ChannelClosed()
	waitDone(t, s1)
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsActive))

	// a session without an offer was never counted
	s3 := accept(t, m, &fakeChannel{})
	s3.ChannelClosed()
	waitDone(t, s3)
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsActive))

	s2.ChannelClosed()
	waitDone(t, s2)
	assert.Equal(t, before, testutil.ToFloat64(sessionsActive))
}

func TestStreamCloseErrorLogged(t *testing.T) {
	var buf syncBuffer
	w, m := newWorld(t, func(w *world, _ *Options) {
		w.streamErr = errors.New("stream is broken")
		w.log = logger.Nop().Extend(zerolog.New(&buf).With())
	})
	s := accept(t, m, &fakeChannel{})
	s.Deliver([]byte(offer))
	waitState(t, s, Connected)
	s.ChannelClosed()
	waitDone(t, s)

	out := buf.String()
	assert.Contains(t, out, "capture stream close")
	assert.Contains(t, out, "stream is broken")
	assert.Contains(t, out, `"level":"warn"`)
	assert.Equal(t, 1, w.c.count("transcoder.close"), "release goes on after the stream")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) { b.mu.Lock(); defer b.mu.Unlock(); return b.buf.Write(p) }

func (b *syncBuffer) String() string { b.mu.Lock(); defer b.mu.Unlock(); return b.buf.String() }

func TestStateString(t *testing.T) {
	assert.Equal(t, "NEW", New.String())
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}
