package relay

import (
	"context"

	pion "github.com/pion/webrtc/v4"
	"github.com/scenecast/relay/pkg/browser"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/media"
	"github.com/scenecast/relay/pkg/media/frame"
	"github.com/scenecast/relay/pkg/network/webrtc"
	"github.com/scenecast/relay/pkg/session"
	"github.com/scenecast/relay/pkg/transcode"
)

// newDeps binds the session resources to the real implementations.
// Constructors return untyped nils on errors, otherwise
// the session would see a typed nil as a live resource.
func newDeps(conf config.RelayConfig, api *webrtc.ApiFactory, launcher *browser.Launcher) session.Deps {
	return session.Deps{
		Resolve: func(target string) (string, error) { return browser.PageURL(conf.Browser, target) },
		Launch: func(ctx context.Context, w, h int, _ *logger.Logger) (session.Browser, error) {
			b, err := launcher.Launch(ctx, w, h)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		Transcode: func(ctx context.Context, w, h int, sink func(frame.Frame), log *logger.Logger) (session.Transcoder, error) {
			p, err := transcode.Start(ctx, conf.Transcoder, w, h, conf.Video.FrameRate, sink, log)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		NewPeer: func(onCandidate func(*pion.ICECandidateInit), log *logger.Logger) (session.Peer, error) {
			p, err := api.NewPeer(log, onCandidate)
			if err != nil {
				return nil, err
			}
			p.OnDisconnect(func() { log.Info().Msg("Peer has disconnected") })
			return p, nil
		},
		NewSource: func(log *logger.Logger) (session.VideoSource, error) {
			s, err := media.NewVideoSource(conf.Video, nil, log)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}
