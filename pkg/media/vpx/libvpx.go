// Package vpx is a cgo binding of the libvpx VP8/VP9 realtime encoder.
package vpx

/*
#cgo pkg-config: vpx

#include "vpx/vpx_encoder.h"
#include "vpx/vpx_image.h"
#include "vpx/vp8cx.h"

#include <stdlib.h>
#include <string.h>

typedef struct FrameBuffer {
  void *ptr;
  int size;
} FrameBuffer;

static vpx_codec_iface_t *codec_interface(int vp9) {
	return vp9 ? vpx_codec_vp9_cx() : vpx_codec_vp8_cx();
}

static vpx_codec_err_t call_vpx_codec_enc_config_default(int vp9, vpx_codec_enc_cfg_t *cfg) {
	return vpx_codec_enc_config_default(codec_interface(vp9), cfg, 0);
}

static vpx_codec_err_t call_vpx_codec_enc_init(vpx_codec_ctx_t *codec, int vp9, vpx_codec_enc_cfg_t *cfg) {
	return vpx_codec_enc_init(codec, codec_interface(vp9), cfg, 0);
}

static FrameBuffer get_frame_buffer(vpx_codec_ctx_t *codec, vpx_codec_iter_t *iter) {
	// iter has set to NULL when after add new image
	FrameBuffer fb = {NULL, 0};
	const vpx_codec_cx_pkt_t *pkt = vpx_codec_get_cx_data(codec, iter);
	if (pkt != NULL && pkt->kind == VPX_CODEC_CX_FRAME_PKT) {
		fb.ptr = pkt->data.frame.buf;
		fb.size = pkt->data.frame.sz;
	}
	return fb;
}

static int vpx_img_plane_width(const vpx_image_t *img, int plane) {
	if (plane > 0 && img->x_chroma_shift > 0)
		return (img->d_w + 1) >> img->x_chroma_shift;
	else
		return img->d_w;
}

static int vpx_img_plane_height(const vpx_image_t *img, int plane) {
	if (plane > 0 && img->y_chroma_shift > 0)
		return (img->d_h + 1) >> img->y_chroma_shift;
	else
		return img->d_h;
}

static void vpx_img_read(vpx_image_t *dst, unsigned char *src) {
	for (int plane = 0; plane < 3; ++plane) {
		unsigned char *buf = dst->planes[plane];
		const int stride = dst->stride[plane];
		const int w = vpx_img_plane_width(dst, plane);
		const int h = vpx_img_plane_height(dst, plane);

		for (int y = 0; y < h; ++y) {
			memcpy(buf, src, w);
			buf += stride;
			src += w;
		}
	}
}
*/
import "C"
import (
	"errors"
	"fmt"
	"unsafe"
)

type Codec string

const (
	VP8 Codec = "vp8"
	VP9 Codec = "vp9"
)

var ErrClosed = errors.New("vpx: encoder is closed")

type Options struct {
	Codec            Codec
	Bitrate          uint
	KeyframeInterval uint
	FrameRate        int
	Threads          int
}

type Option func(*Options)

func WithCodec(c Codec) Option           { return func(o *Options) { o.Codec = c } }
func WithBitrate(kbps uint) Option       { return func(o *Options) { o.Bitrate = kbps } }
func WithKeyframeInterval(n uint) Option { return func(o *Options) { o.KeyframeInterval = n } }
func WithFrameRate(fps int) Option       { return func(o *Options) { o.FrameRate = fps } }
func WithThreads(n int) Option           { return func(o *Options) { o.Threads = n } }

func (o Options) isVP9() C.int {
	if o.Codec == VP9 {
		return 1
	}
	return 0
}

// Vpx encodes I420 images, it is not safe for concurrent use.
type Vpx struct {
	frameCount C.int
	image      C.vpx_image_t
	codecCtx   C.vpx_codec_ctx_t
	kfi        C.int
	size       int
	closed     bool
}

func NewEncoder(width, height int, options ...Option) (*Vpx, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("vpx: bad frame size %vx%v", width, height)
	}
	opts := &Options{
		Codec:            VP8,
		Bitrate:          1200,
		KeyframeInterval: 60,
		FrameRate:        30,
	}
	for _, opt := range options {
		opt(opts)
	}
	if opts.Codec != VP8 && opts.Codec != VP9 {
		return nil, fmt.Errorf("vpx: unsupported codec %v", opts.Codec)
	}

	vpx := Vpx{kfi: C.int(opts.KeyframeInterval), size: width * height * 3 / 2}

	var cfg C.vpx_codec_enc_cfg_t
	if C.call_vpx_codec_enc_config_default(opts.isVP9(), &cfg) != 0 {
		return nil, errors.New("vpx: failed to get default codec config")
	}
	cfg.g_w = C.uint(width)
	cfg.g_h = C.uint(height)
	if opts.FrameRate > 0 {
		cfg.g_timebase.num = 1
		cfg.g_timebase.den = C.int(opts.FrameRate)
	}
	if opts.Threads > 0 {
		cfg.g_threads = C.uint(opts.Threads)
	}
	cfg.rc_target_bitrate = C.uint(opts.Bitrate)
	cfg.rc_end_usage = C.VPX_CBR
	cfg.g_lag_in_frames = 0
	cfg.g_error_resilient = 1

	if C.vpx_img_alloc(&vpx.image, C.VPX_IMG_FMT_I420, C.uint(width), C.uint(height), 1) == nil {
		return nil, errors.New("vpx: vpx_img_alloc failed")
	}
	if C.call_vpx_codec_enc_init(&vpx.codecCtx, opts.isVP9(), &cfg) != 0 {
		C.vpx_img_free(&vpx.image)
		return nil, errors.New("vpx: failed to initialize encoder")
	}
	return &vpx, nil
}

// Encode compresses one I420 frame. It may return no data
// when the encoder decided to drop the frame.
// see: https://chromium.googlesource.com/webm/libvpx/+/master/examples/simple_encoder.c
func (vpx *Vpx) Encode(yuv []byte) ([]byte, error) {
	if vpx.closed {
		return nil, ErrClosed
	}
	if len(yuv) < vpx.size {
		return nil, fmt.Errorf("vpx: short frame %v < %v", len(yuv), vpx.size)
	}
	var iter C.vpx_codec_iter_t
	C.vpx_img_read(&vpx.image, (*C.uchar)(unsafe.Pointer(&yuv[0])))

	var flags C.int
	if vpx.kfi > 0 && vpx.frameCount%vpx.kfi == 0 {
		flags |= C.VPX_EFLAG_FORCE_KF
	}
	if C.vpx_codec_encode(&vpx.codecCtx, &vpx.image, C.vpx_codec_pts_t(vpx.frameCount), 1,
		C.vpx_enc_frame_flags_t(flags), C.VPX_DL_REALTIME) != 0 {
		return nil, errors.New("vpx: failed to encode frame")
	}
	vpx.frameCount++

	fb := C.get_frame_buffer(&vpx.codecCtx, &iter)
	if fb.ptr == nil {
		return nil, nil
	}
	return C.GoBytes(fb.ptr, fb.size), nil
}

func (vpx *Vpx) Close() error {
	if vpx.closed {
		return nil
	}
	vpx.closed = true
	C.vpx_img_free(&vpx.image)
	C.vpx_codec_destroy(&vpx.codecCtx)
	return nil
}
