// Package webrtc is the answering side of a WebRTC call
// that sends one local video track to the remote browser.
package webrtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/scenecast/relay/pkg/logger"
)

var ErrNoConnection = errors.New("no peer connection")

type Peer struct {
	api  *ApiFactory
	conn *webrtc.PeerConnection
	log  *logger.Logger

	once sync.Once
	mu   sync.Mutex

	onDisconnect func()
}

// NewPeer creates a peer connection that reports local ICE candidates
// into onCandidate. The nil candidate means the gathering is complete.
func (a *ApiFactory) NewPeer(log *logger.Logger, onCandidate func(*webrtc.ICECandidateInit)) (*Peer, error) {
	conn, err := a.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	p := &Peer{api: a, conn: conn, log: log}
	conn.OnICECandidate(p.handleICECandidate(onCandidate))
	conn.OnICEConnectionStateChange(p.handleICEState(func() { p.log.Info().Msg("Connected") }))
	return p, nil
}

// OnDisconnect sets a callback for the ICE failure or disconnect.
func (p *Peer) OnDisconnect(fn func()) { p.mu.Lock(); p.onDisconnect = fn; p.mu.Unlock() }

// AddTrack plugs in an outgoing track and drains the incoming RTCP packets of it.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	if p.conn == nil {
		return ErrNoConnection
	}
	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()
	p.log.Debug().Msgf("Added [%s] track", track.Kind())
	return nil
}

func (p *Peer) SetRemoteOffer(sdp string) error {
	if p.conn == nil {
		return ErrNoConnection
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.log.Debug().Msg("Set Remote Description")
	return nil
}

// Answer creates the local answer and sets it as the local description.
func (p *Peer) Answer() (*webrtc.SessionDescription, error) {
	if p.conn == nil {
		return nil, ErrNoConnection
	}
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.conn.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	p.log.Debug().Msg("Created Answer")
	return p.conn.LocalDescription(), nil
}

func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if p.conn == nil {
		return ErrNoConnection
	}
	if err := p.conn.AddICECandidate(candidate); err != nil {
		return err
	}
	p.log.Debug().Str("candidate", candidate.Candidate).Msg("Ice")
	return nil
}

func (p *Peer) handleICECandidate(callback func(*webrtc.ICECandidateInit)) func(*webrtc.ICECandidate) {
	return func(ice *webrtc.ICECandidate) {
		// ICE gathering finish condition
		if ice == nil {
			callback(nil)
			p.log.Debug().Msg("ICE gathering was complete probably")
			return
		}
		candidate := ice.ToJSON()
		p.log.Debug().Str("candidate", candidate.Candidate).Msg("ICE")
		callback(&candidate)
	}
}

func (p *Peer) handleICEState(onConnect func()) func(webrtc.ICEConnectionState) {
	return func(state webrtc.ICEConnectionState) {
		p.log.Debug().Str(".state", state.String()).Msg("ICE")
		switch state {
		case webrtc.ICEConnectionStateChecking:
			// nothing
		case webrtc.ICEConnectionStateConnected:
			onConnect()
		case webrtc.ICEConnectionStateFailed:
			p.log.Error().Msgf("WebRTC connection fail! connection: %v, ice: %v, gathering: %v, signalling: %v",
				p.conn.ConnectionState(), p.conn.ICEConnectionState(), p.conn.ICEGatheringState(),
				p.conn.SignalingState())
			p.disconnected()
		case webrtc.ICEConnectionStateDisconnected:
			p.disconnected()
		default:
			p.log.Debug().Msg("ICE state is not handled!")
		}
	}
}

func (p *Peer) disconnected() {
	p.mu.Lock()
	fn := p.onDisconnect
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close closes the peer connection, only the first call does something.
func (p *Peer) Close() (err error) {
	p.once.Do(func() {
		if p.conn == nil {
			return
		}
		if p.conn.ConnectionState() != webrtc.PeerConnectionStateClosed {
			err = p.conn.Close()
		}
		p.log.Debug().Msg("WebRTC stop")
	})
	return
}
