// Package browser runs one headless Chrome per viewer with chromedp and
// captures the rendered page as an MJPEG byte stream.
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
)

var (
	ErrAudioUnsupported = errors.New("audio capture is not supported")
	ErrNoVideo          = errors.New("nothing to capture")
	ErrClosed           = errors.New("browser is closed")
	ErrCapturing        = errors.New("capture is already started")
)

const stopTimeout = 2 * time.Second

type CaptureOptions struct {
	Audio bool
	Video bool
}

type Launcher struct {
	conf config.Browser
	log  *logger.Logger
}

func NewLauncher(conf config.Browser, log *logger.Logger) *Launcher {
	return &Launcher{conf: conf, log: log}
}

// Instance is one browser with one page.
type Instance struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	conf config.Browser
	w, h int

	mu        sync.Mutex
	pointer   pointer
	capturing bool

	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
	log     *logger.Logger
}

// options returns the exec allocator options, the default ones plus
// the window size and the configured switches.
func (l *Launcher) options(w, h int) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(w, h),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if !l.conf.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.conf.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.conf.ExecPath))
	}
	for _, f := range l.conf.Flags {
		name, value := parseFlag(f)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseFlag reads the "name", "name=value", "--name=value" switches.
func parseFlag(f string) (string, any) {
	f = strings.TrimLeft(strings.TrimSpace(f), "-")
	name, value, ok := strings.Cut(f, "=")
	if !ok {
		return name, true
	}
	switch value {
	case "true":
		return name, true
	case "false":
		return name, false
	}
	return name, value
}

// Launch starts a new browser with the viewport of w*h.
// The ctx bounds only the start, the browser lives until Close.
func (l *Launcher) Launch(ctx context.Context, w, h int) (*Instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.options(w, h)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(f string, v ...any) { l.log.Debug().Msgf(f, v...) }),
		chromedp.WithErrorf(func(f string, v ...any) { l.log.Warn().Msgf(f, v...) }),
	)

	if l.conf.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.conf.LaunchTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, tabCancel)

	start := time.Now()
	// the first run starts the browser
	err := chromedp.Run(tabCtx, emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		allocCancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("browser launch: %w", ctx.Err())
		}
		return nil, fmt.Errorf("browser launch: %w", err)
	}
	l.log.Info().Msgf("Browser is up in %v", time.Since(start).Round(time.Millisecond))

	return &Instance{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		conf:        l.conf,
		w:           w,
		h:           h,
		pointer:     pointer{x: float64(w) / 2, y: float64(h) / 2},
		done:        make(chan struct{}),
		log:         l.log,
	}, nil
}

// bound returns a context of the browser that is also cancelled with ctx.
func (i *Instance) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var bctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		bctx, cancel = context.WithTimeout(i.ctx, timeout)
	} else {
		bctx, cancel = context.WithCancel(i.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return bctx, func() { stop(); cancel() }
}

// Navigate opens the url and waits for the optional selector to show up.
func (i *Instance) Navigate(ctx context.Context, url string) error {
	if i.isClosed() {
		return ErrClosed
	}
	nctx, cancel := i.bound(ctx, i.conf.NavigateTimeout)
	defer cancel()

	actions := []chromedp.Action{chromedp.Navigate(url)}
	if i.conf.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(i.conf.WaitSelector, chromedp.ByQuery))
	}
	if err := chromedp.Run(nctx, actions...); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	i.log.Info().Str("url", url).Msg("Page is open")
	return nil
}

// CaptureStream starts the page screencast, each frame is a JPEG image
// so the stream is MJPEG. Frames are dropped when the reader
// doesn't keep up.
func (i *Instance) CaptureStream(ctx context.Context, opts CaptureOptions) (io.ReadCloser, error) {
	if opts.Audio {
		return nil, ErrAudioUnsupported
	}
	if !opts.Video {
		return nil, ErrNoVideo
	}
	if i.isClosed() {
		return nil, ErrClosed
	}
	i.mu.Lock()
	if i.capturing {
		i.mu.Unlock()
		return nil, ErrCapturing
	}
	i.capturing = true
	i.mu.Unlock()

	queue := i.conf.Capture.Queue
	if queue < 1 {
		queue = 1
	}
	frames := make(chan string, queue)

	chromedp.ListenTarget(i.ctx, func(ev any) {
		e, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		go func(id int64) {
			_ = chromedp.Run(i.ctx, page.ScreencastFrameAck(id))
		}(e.SessionID)
		select {
		case frames <- e.Data:
		default:
			i.dropped.Add(1)
		}
	})

	pr, pw := io.Pipe()
	go i.pump(frames, pw)

	sctx, cancel := i.bound(ctx, i.conf.NavigateTimeout)
	defer cancel()
	quality := i.conf.Capture.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	nth := i.conf.Capture.EveryNthFrame
	if nth < 1 {
		nth = 1
	}
	err := chromedp.Run(sctx, page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(int64(quality)).
		WithMaxWidth(int64(i.w)).
		WithMaxHeight(int64(i.h)).
		WithEveryNthFrame(int64(nth)))
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, fmt.Errorf("screencast: %w", err)
	}
	return pr, nil
}

// pump decodes the captured frames and writes them into the stream
// until the browser or the stream is closed.
func (i *Instance) pump(frames <-chan string, w *io.PipeWriter) {
	defer func() {
		_ = w.Close()
		i.log.Debug().Uint64("dropped", i.dropped.Load()).Msg("Capture is over")
	}()
	for {
		select {
		case data := <-frames:
			img, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				i.log.Warn().Err(err).Msg("screencast frame")
				continue
			}
			if _, err = w.Write(img); err != nil {
				return
			}
		case <-i.done:
			return
		case <-i.ctx.Done():
			return
		}
	}
}

// InjectInput forwards one viewer input event into the page.
func (i *Instance) InjectInput(ctx context.Context, eventType string, data []any) error {
	if i.isClosed() {
		return ErrClosed
	}
	i.mu.Lock()
	actions, err := i.pointer.actions(eventType, data)
	i.mu.Unlock()
	if err != nil {
		return err
	}
	ictx, cancel := i.bound(ctx, 0)
	defer cancel()
	return chromedp.Run(ictx, actions...)
}

func (i *Instance) isClosed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Close stops the capture and the browser, only the first call does something.
func (i *Instance) Close() (err error) {
	i.once.Do(func() {
		close(i.done)
		i.mu.Lock()
		capturing := i.capturing
		i.mu.Unlock()
		if capturing {
			sctx, cancel := context.WithTimeout(i.ctx, stopTimeout)
			_ = chromedp.Run(sctx, page.StopScreencast())
			cancel()
		}
		// closes the browser gracefully
		err = chromedp.Cancel(i.ctx)
		i.cancel()
		i.allocCancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		i.log.Debug().Msg("Browser is closed")
	})
	return
}
