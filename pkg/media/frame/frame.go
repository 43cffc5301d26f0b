// Package frame slices a raw video byte stream into fixed-size frames.
package frame

import "fmt"

// Frame is one raw I420 image.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// FrameSize returns the byte size of one planar YUV 4:2:0 (I420) frame.
func FrameSize(w, h int) int { return w * h * 3 / 2 }

// CheckSize tells if the dimensions can be used for I420 frames.
func CheckSize(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("bad frame size %vx%v", w, h)
	}
	if w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("frame size %vx%v should be even", w, h)
	}
	return nil
}

// Reassembler accumulates arbitrary chunks of a raw stream and
// cuts them into frames of exactly size bytes.
// Not safe for concurrent use, it's fed by a single reader.
type Reassembler struct {
	size    int
	buf     []byte
	n       int
	frames  uint64
	onFrame func([]byte)
}

func NewReassembler(size int, onFrame func([]byte)) *Reassembler {
	r := &Reassembler{onFrame: onFrame}
	r.Reset(size)
	return r
}

// Ingest appends the chunk and emits every complete frame.
// Each emitted frame is a new buffer, the callee may keep it.
func (r *Reassembler) Ingest(chunk []byte) {
	for len(chunk) > 0 {
		w := copy(r.buf[r.n:], chunk)
		chunk = chunk[w:]
		r.n += w
		if r.n == r.size {
			out := r.buf
			r.buf = make([]byte, r.size)
			r.n = 0
			r.frames++
			r.onFrame(out)
		}
	}
}

// Reset changes the frame size and drops any partial frame.
func (r *Reassembler) Reset(size int) {
	if size <= 0 {
		panic(fmt.Sprintf("frame: bad size %v", size))
	}
	r.size = size
	r.buf = make([]byte, size)
	r.n = 0
}

// Pending returns the number of bytes waiting for the next frame.
func (r *Reassembler) Pending() int { return r.n }

// Size returns the current frame size.
func (r *Reassembler) Size() int { return r.size }

// Frames returns the number of emitted frames.
func (r *Reassembler) Frames() uint64 { return r.frames }
