package frame

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFrameSize(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{w: 1280, h: 720, want: 1_382_400},
		{w: 1920, h: 1080, want: 3_110_400},
		{w: 2, h: 2, want: 6},
	}
	for _, test := range tests {
		if got := FrameSize(test.w, test.h); got != test.want {
			t.Errorf("FrameSize(%v, %v) = %v, want %v", test.w, test.h, got, test.want)
		}
	}
}

func TestCheckSize(t *testing.T) {
	tests := []struct {
		w, h int
		bad  bool
	}{
		{w: 1280, h: 720},
		{w: 0, h: 720, bad: true},
		{w: 1280, h: -2, bad: true},
		{w: 1281, h: 720, bad: true},
		{w: 1280, h: 721, bad: true},
	}
	for _, test := range tests {
		err := CheckSize(test.w, test.h)
		if test.bad != (err != nil) {
			t.Errorf("CheckSize(%v, %v) = %v", test.w, test.h, err)
		}
	}
}

func TestReassembler720p(t *testing.T) {
	size := FrameSize(1280, 720)
	var frames [][]byte
	r := NewReassembler(size, func(f []byte) { frames = append(frames, f) })

	data := stream(2*size, 1)
	r.Ingest(data[:500_000])
	r.Ingest(data[500_000:2_500_000])
	r.Ingest(data[2_500_000:])

	if len(frames) != 2 {
		t.Fatalf("got %v frames, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != size {
			t.Errorf("frame %v has size %v, want %v", i, len(f), size)
		}
		if !bytes.Equal(f, data[i*size:(i+1)*size]) {
			t.Errorf("frame %v has wrong content", i)
		}
	}
	if r.Pending() != 0 {
		t.Errorf("remainder is %v, want 0", r.Pending())
	}
	if r.Frames() != 2 {
		t.Errorf("frame counter is %v, want 2", r.Frames())
	}
}

func TestReassemblerMultipleOfSize(t *testing.T) {
	size := FrameSize(64, 48)
	rnd := rand.New(rand.NewSource(7))

	for _, n := range []int{1, 3, 10} {
		data := stream(n*size, int64(n))
		var got [][]byte
		r := NewReassembler(size, func(f []byte) { got = append(got, f) })
		for _, chunk := range split(data, rnd) {
			r.Ingest(chunk)
		}
		if len(got) != n {
			t.Errorf("%v frames expected, got %v", n, len(got))
			continue
		}
		if !bytes.Equal(bytes.Join(got, nil), data) {
			t.Errorf("frames are not in the byte order")
		}
		if r.Pending() != 0 {
			t.Errorf("remainder %v", r.Pending())
		}
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	size := FrameSize(32, 32)
	data := stream(5*size+100, 3)

	collect := func(chunks [][]byte) [][]byte {
		var out [][]byte
		r := NewReassembler(size, func(f []byte) { out = append(out, f) })
		for _, c := range chunks {
			r.Ingest(c)
		}
		return out
	}

	whole := collect([][]byte{data})
	bytewise := make([][]byte, 0, len(data))
	for i := range data {
		bytewise = append(bytewise, data[i:i+1])
	}
	tests := map[string][][]byte{
		"byte by byte": bytewise,
		"random":       split(data, rand.New(rand.NewSource(11))),
		"fixed":        split(data, nil),
	}
	for name, chunks := range tests {
		t.Run(name, func(t *testing.T) {
			got := collect(chunks)
			if len(got) != len(whole) {
				t.Fatalf("got %v frames, want %v", len(got), len(whole))
			}
			for i := range got {
				if !bytes.Equal(got[i], whole[i]) {
					t.Errorf("frame %v differs", i)
				}
			}
		})
	}
}

func TestEmittedFramesAreNotReused(t *testing.T) {
	var frames [][]byte
	r := NewReassembler(4, func(f []byte) { frames = append(frames, f) })
	r.Ingest([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if frames[0][0] != 1 || frames[1][0] != 5 {
		t.Errorf("emitted frames were overwritten: %v", frames)
	}
}

func TestResetDropsPartial(t *testing.T) {
	var frames [][]byte
	r := NewReassembler(4, func(f []byte) { frames = append(frames, f) })
	r.Ingest([]byte{1, 2, 3})
	r.Reset(2)
	if r.Pending() != 0 {
		t.Fatalf("partial frame should be dropped")
	}
	r.Ingest([]byte{9, 9})
	if len(frames) != 1 || len(frames[0]) != 2 || frames[0][0] != 9 {
		t.Errorf("unexpected frames after reset: %v", frames)
	}
}

func TestStarvation(t *testing.T) {
	calls := 0
	r := NewReassembler(FrameSize(1280, 720), func([]byte) { calls++ })
	for i := 0; i < 100; i++ {
		r.Ingest(make([]byte, 1000))
	}
	if calls != 0 {
		t.Errorf("no frames expected, got %v", calls)
	}
	if r.Pending() != 100_000 {
		t.Errorf("pending = %v", r.Pending())
	}
}

func BenchmarkIngest(b *testing.B) {
	size := FrameSize(1280, 720)
	chunk := make([]byte, 64*1024)
	r := NewReassembler(size, func([]byte) {})
	b.SetBytes(int64(len(chunk)))
	for i := 0; i < b.N; i++ {
		r.Ingest(chunk)
	}
}

func stream(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// split cuts data into random chunks or
// into chunks of 1000 bytes if there is no rnd.
func split(data []byte, rnd *rand.Rand) (out [][]byte) {
	for len(data) > 0 {
		n := 1000
		if rnd != nil {
			n = 1 + rnd.Intn(5000)
		}
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return
}
