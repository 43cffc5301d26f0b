package config

import (
	"fmt"
	"net/url"
	stdos "os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scenecast/relay/pkg/os"
	flag "github.com/spf13/pflag"
)

type RelayConfig struct {
	Relay       Relay
	Browser     Browser
	Transcoder  Transcoder
	Video       Video
	Webrtc      Webrtc
	Interaction Interaction
}

type Relay struct {
	Debug      bool
	Log        Log
	Monitoring Monitoring
	Server     Server
	Signaling  Signaling
	// Static lists optional asset routes, i.e. the viewer pages.
	Static []Static
	// Cors sets cross-origin access to the static routes.
	Cors Cors
}

type Cors struct {
	// allowed origins, any if empty
	Origins []string
	Methods []string
	Headers []string
}

type Signaling struct {
	Path string `default:"/ws"`
	// a list of allowed origins, any origin if empty
	Origins []string
	// max size of one incoming message in bytes
	MaxMessageSize int64 `default:"65536"`
	PingPong       bool  `default:"true"`
}

type Static struct {
	Prefix string
	Dir    string
}

// Browser describes headless browser instances, one per viewer.
type Browser struct {
	ExecPath string
	Headless bool `default:"true"`

	// extra command line switches, either "name" or "name=value"
	Flags []string

	// ViewerURL is a page that renders the scene, the requested
	// target URL is passed in its TargetParam query param.
	// If empty, target URLs are opened directly.
	ViewerURL   string
	TargetParam string `default:"pointcloudURL"`

	// AllowedHosts limits hosts of the target URLs, any if empty.
	AllowedHosts []string

	WaitSelector    string
	LaunchTimeout   time.Duration `default:"30s"`
	NavigateTimeout time.Duration `default:"60s"`
	Capture         struct {
		Quality       int `default:"80"`
		EveryNthFrame int `default:"1"`
		// frames waiting for the transcoder, older are dropped
		Queue int `default:"64"`
	}
}

// Transcoder describes the process that turns the compressed
// capture stream into raw I420 frames.
type Transcoder struct {
	Path        string `default:"ffmpeg"`
	InputFormat string `default:"mjpeg"`
	LogLevel    string `default:"warning"`
	InputArgs   []string
	OutputArgs  []string

	// use when the input has no timestamps
	WallClock bool `default:"true"`

	ReadBuffer  int           `default:"65536"`
	StopTimeout time.Duration `default:"3s"`
}

type Video struct {
	Width     int    `default:"1280"`
	Height    int    `default:"720"`
	FrameRate int    `default:"30"`
	Codec     string `default:"vp8"`
	Vpx       struct {
		Bitrate          uint `default:"1200"`
		KeyframeInterval uint `default:"60"`
	}
}

// Interaction limits input events forwarded into the browser.
type Interaction struct {
	Enabled bool          `default:"true"`
	Rate    float64       `default:"120"`
	Burst   int           `default:"30"`
	Timeout time.Duration `default:"2s"`
}

// allows custom config path
var relayConfigPath string

func NewRelayConfig() (conf RelayConfig, err error) {
	err = conf.load(relayConfigPath)
	return
}

func (c *RelayConfig) load(path string) error {
	if err := LoadConfig(c, path); err != nil {
		return err
	}
	if err := c.Webrtc.AddIceServersEnv(); err != nil {
		return err
	}
	c.expandSpecialTags()
	c.fixValues()
	return c.Validate()
}

// ParseFlags updates config values from passed runtime flags.
// Define own flags with default value set to the current config param.
// With a custom config path, the config is reloaded from that file
// and the flags are applied over it again.
func (c *RelayConfig) ParseFlags() error {
	c.Relay.Server.WithFlags()
	flag.BoolVar(&c.Relay.Debug, "debug", c.Relay.Debug, "Verbose logs")
	flag.IntVar(&c.Relay.Monitoring.Port, "monitoring.port", c.Relay.Monitoring.Port, "Monitoring server port")
	flag.StringVar(&c.Browser.ExecPath, "chrome", c.Browser.ExecPath, "Chrome executable path")
	flag.StringVar(&c.Transcoder.Path, "ffmpeg", c.Transcoder.Path, "FFmpeg executable path")
	flag.StringVar(&relayConfigPath, "r-conf", relayConfigPath, "Set custom configuration file path")
	flag.Parse()

	if !flag.CommandLine.Changed("r-conf") {
		return c.Validate()
	}
	*c = RelayConfig{}
	if err := c.load(relayConfigPath); err != nil {
		return err
	}
	if err := flag.CommandLine.Parse(stdos.Args[1:]); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks the values that can't be fixed.
func (c *RelayConfig) Validate() error {
	v := c.Video
	if v.Width <= 0 || v.Height <= 0 || v.Width%2 != 0 || v.Height%2 != 0 {
		return fmt.Errorf("video size %vx%v should be positive and even", v.Width, v.Height)
	}
	if v.FrameRate <= 0 {
		return fmt.Errorf("bad frame rate %v", v.FrameRate)
	}
	switch strings.ToLower(v.Codec) {
	case "vp8", "vpx", "vp9":
	default:
		return fmt.Errorf("unsupported video codec %v", v.Codec)
	}
	if c.Browser.ViewerURL != "" {
		if _, err := url.Parse(c.Browser.ViewerURL); err != nil {
			return fmt.Errorf("bad viewer url: %w", err)
		}
	}
	if c.Transcoder.Path == "" {
		return fmt.Errorf("no transcoder path")
	}
	return nil
}

// expandSpecialTags replaces all the special tags in the config.
func (c *RelayConfig) expandSpecialTags() {
	tag := "{user}"
	dirs := []*string{&c.Relay.Log.File.Path, &c.Browser.ExecPath}
	for i := range c.Relay.Static {
		dirs = append(dirs, &c.Relay.Static[i].Dir)
	}
	for _, dir := range dirs {
		if *dir == "" || !strings.Contains(*dir, tag) {
			continue
		}
		userHomeDir, err := os.GetUserHome()
		if err != nil {
			panic(fmt.Sprintf("couldn't read user home directory, %v", err))
		}
		*dir = strings.Replace(*dir, tag, userHomeDir, -1)
		*dir = filepath.FromSlash(*dir)
	}
}

// fixValues tries to fix some values otherwise hard to set externally.
func (c *RelayConfig) fixValues() {
	// with ICE lite we clear ICE servers
	if c.Webrtc.IceLite {
		c.Webrtc.IceServers = []IceServer{}
	}
	c.Video.Codec = strings.ToLower(c.Video.Codec)
	if c.Video.Codec == "vpx" {
		c.Video.Codec = "vp8"
	}
	if c.Browser.Capture.EveryNthFrame < 1 {
		c.Browser.Capture.EveryNthFrame = 1
	}
	if c.Browser.Capture.Queue < 1 {
		c.Browser.Capture.Queue = 1
	}
	if c.Transcoder.ReadBuffer <= 0 {
		c.Transcoder.ReadBuffer = 64 * 1024
	}
}
