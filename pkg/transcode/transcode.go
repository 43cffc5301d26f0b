// Package transcode runs one ffmpeg process per viewer that turns
// the capture stream into raw frames.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scenecast/relay/pkg/config"
	"github.com/scenecast/relay/pkg/logger"
	"github.com/scenecast/relay/pkg/media/frame"
)

var ErrUnexpectedExit = errors.New("transcoder exited unexpectedly")

// Sink gets reassembled frames in the capture order.
type Sink func(frame.Frame)

// command is replaced in tests.
var command = exec.Command

type Pipeline struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	frames *frame.Reassembler

	closing atomic.Bool
	// the input stream has ended normally
	inputOver atomic.Bool
	once      sync.Once
	done      chan struct{}
	err       error

	stopTimeout time.Duration
	log         *logger.Logger
}

// Start spawns the transcoder process. The ctx bounds only the start,
// the process lives until Close.
func Start(ctx context.Context, conf config.Transcoder, w, h, fps int, sink Sink, log *logger.Logger) (*Pipeline, error) {
	if err := frame.CheckSize(w, h); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(frame.Frame) {}
	}
	chunk := conf.ReadBuffer
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	if conf.StopTimeout <= 0 {
		conf.StopTimeout = 3 * time.Second
	}

	args := Args(conf, w, h, fps)
	cmd := command(conf.Path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cmd:         cmd,
		stdin:       stdin,
		done:        make(chan struct{}),
		stopTimeout: conf.StopTimeout,
		log:         log,
	}
	p.frames = frame.NewReassembler(frame.FrameSize(w, h), func(data []byte) {
		sink(frame.Frame{Data: data, Width: w, Height: h})
	})

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcoder start: %w", err)
	}
	log.Debug().Msgf("Transcoder [%v] %v %v", cmd.Process.Pid, conf.Path, args)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); p.readFrames(stdout, chunk) }()
	go func() { defer readers.Done(); p.logErrors(stderr) }()
	go func() {
		// all the reads should finish before Wait
		readers.Wait()
		p.exit(cmd.Wait())
	}()
	return p, nil
}

func (p *Pipeline) readFrames(r io.Reader, size int) {
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.frames.Ingest(buf[:n])
		}
		if err != nil {
			if err != io.EOF && !p.closing.Load() {
				p.log.Warn().Err(err).Msg("transcoder read")
			}
			return
		}
	}
}

func (p *Pipeline) logErrors(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.log.Debug().Str("ffmpeg", scanner.Text()).Send()
	}
}

func (p *Pipeline) exit(err error) {
	normal := p.closing.Load() || (err == nil && p.inputOver.Load())
	if !normal {
		if err == nil {
			err = errors.New("exit status 0")
		}
		p.err = fmt.Errorf("%w: %w", ErrUnexpectedExit, err)
		p.log.Error().Err(p.err).Uint64("frames", p.frames.Frames()).Msg("Transcoder")
	} else {
		p.log.Debug().Uint64("frames", p.frames.Frames()).Msgf("Transcoder stopped: %v", err)
	}
	close(p.done)
}

// Feed copies the capture stream into the transcoder until the stream ends.
// The end of the stream is a normal end of input and closes the process stdin.
func (p *Pipeline) Feed(r io.Reader) error {
	n, err := io.Copy(countWriter{p.stdin}, r)
	if err == nil {
		p.inputOver.Store(true)
	}
	_ = p.stdin.Close()
	p.log.Debug().Int64("bytes", n).Msg("Transcoder input is over")
	if err != nil && !p.closing.Load() && !isClosedPipe(err) {
		return err
	}
	return nil
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

// Done is closed when the process has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err tells why the process has exited, nil if it was stopped by Close
// or has finished all the input.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close stops the process: it closes the input and interrupts the process,
// if it's still alive after the timeout it's killed.
func (p *Pipeline) Close() error {
	p.once.Do(func() {
		p.closing.Store(true)
		_ = p.stdin.Close()
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(p.stopTimeout):
			p.log.Warn().Msg("Transcoder is killed")
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return nil
}

type countWriter struct{ w io.Writer }

func (c countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	inputBytes.Add(float64(n))
	return n, err
}
