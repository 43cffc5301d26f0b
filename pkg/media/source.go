// Package media turns raw I420 frames into samples of a WebRTC video track.
package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/media/frame"
	"github.com/scenecast/relay/pkg/media/vpx"
)

type Frame = frame.Frame

type Encoder interface {
	Encode(yuv []byte) ([]byte, error)
	Close() error
}

type NewEncoderFunc func(w, h int) (Encoder, error)

var ErrClosed = errors.New("video source is closed")

// VideoSource encodes frames it gets and writes them into one local track.
// The encoder is made with the first frame and remade when the frame size changes.
type VideoSource struct {
	mu sync.Mutex

	codec      string
	frameTime  time.Duration
	newEncoder NewEncoderFunc

	enc    Encoder
	w, h   int
	track  *webrtc.TrackLocalStaticSample
	closed bool

	log *logger.Logger
}

// VpxEncoder makes libvpx encoders with the video config.
func VpxEncoder(conf config.Video) NewEncoderFunc {
	return func(w, h int) (Encoder, error) {
		return vpx.NewEncoder(w, h,
			vpx.WithCodec(vpx.Codec(conf.Codec)),
			vpx.WithBitrate(conf.Vpx.Bitrate),
			vpx.WithKeyframeInterval(conf.Vpx.KeyframeInterval),
			vpx.WithFrameRate(conf.FrameRate),
		)
	}
}

func NewVideoSource(conf config.Video, newEncoder NewEncoderFunc, log *logger.Logger) (*VideoSource, error) {
	if conf.FrameRate <= 0 {
		return nil, fmt.Errorf("bad frame rate %v", conf.FrameRate)
	}
	if newEncoder == nil {
		newEncoder = VpxEncoder(conf)
	}
	return &VideoSource{
		codec:      conf.Codec,
		frameTime:  time.Second / time.Duration(conf.FrameRate),
		newEncoder: newEncoder,
		log:        log,
	}, nil
}

// CreateTrack makes the outgoing video track, repeated calls return the same track.
func (s *VideoSource) CreateTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.track != nil {
		return s.track, nil
	}
	track, err := NewTrack("video", "scenecast", s.codec)
	if err != nil {
		return nil, err
	}
	s.track = track
	return track, nil
}

func NewTrack(id string, label string, codec string) (*webrtc.TrackLocalStaticSample, error) {
	var mime string
	switch codec {
	case "vpx", "vp8":
		mime = webrtc.MimeTypeVP8
	case "vp9":
		mime = webrtc.MimeTypeVP9
	default:
		return nil, fmt.Errorf("unsupported codec %s:%s", id, codec)
	}
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, label)
}

// OnFrame encodes a frame and sends it. Frames before the track
// or after the close are dropped.
func (s *VideoSource) OnFrame(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.track == nil {
		return
	}
	if len(f.Data) != frame.FrameSize(f.Width, f.Height) {
		s.log.Warn().Msgf("Skip a frame of %v bytes for %vx%v", len(f.Data), f.Width, f.Height)
		return
	}
	if s.enc == nil || s.w != f.Width || s.h != f.Height {
		if err := s.resetEncoder(f.Width, f.Height); err != nil {
			s.log.Error().Err(err).Msg("encoder")
			return
		}
	}
	data, err := s.enc.Encode(f.Data)
	if err != nil {
		s.log.Error().Err(err).Msg("encode")
		return
	}
	if len(data) == 0 {
		return
	}
	framesTotal.Inc()
	if err = s.track.WriteSample(pmedia.Sample{Data: data, Duration: s.frameTime}); err != nil {
		s.log.Error().Err(err).Msg("write sample")
	}
}

func (s *VideoSource) resetEncoder(w, h int) error {
	if s.enc != nil {
		_ = s.enc.Close()
		s.enc = nil
	}
	enc, err := s.newEncoder(w, h)
	if err != nil {
		return err
	}
	s.enc, s.w, s.h = enc, w, h
	s.log.Debug().Msgf("Video encoder %s %vx%v", s.codec, w, h)
	return nil
}

// Close stops the frame delivery and frees the encoder.
func (s *VideoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.enc != nil {
		err := s.enc.Close()
		s.enc = nil
		return err
	}
	return nil
}
