package transcode

import (
	"strconv"

	"github.com/scenecast/relay/pkg/config"
)

// Args builds the ffmpeg command line that reads a compressed stream
// from stdin and writes raw I420 frames of w*h into stdout.
func Args(conf config.Transcoder, w, h, fps int) []string {
	args := []string{"-hide_banner"}
	if conf.LogLevel != "" {
		args = append(args, "-loglevel", conf.LogLevel)
	}
	if conf.WallClock {
		args = append(args, "-use_wallclock_as_timestamps", "1")
	}
	args = append(args, conf.InputArgs...)
	if conf.InputFormat != "" {
		args = append(args, "-f", conf.InputFormat)
	}
	args = append(args,
		"-i", "pipe:0",
		"-an",
		"-r", strconv.Itoa(fps),
		"-vf", "scale="+strconv.Itoa(w)+":"+strconv.Itoa(h),
		"-pix_fmt", "yuv420p",
	)
	args = append(args, conf.OutputArgs...)
	return append(args, "-f", "rawvideo", "pipe:1")
}
