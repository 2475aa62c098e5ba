package session

import "iter"

// FrameBuffer accumulates caller audio and hands it out in fixed-size frames.
// It is owned by a single goroutine.
type FrameBuffer struct {
	size int
	buf  []byte
	off  int
}

func NewFrameBuffer(frameBytes int) *FrameBuffer {
	if frameBytes <= 0 {
		frameBytes = 1
	}
	return &FrameBuffer{size: frameBytes, buf: make([]byte, 0, frameBytes*2)}
}

func (b *FrameBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Frames yields every complete frame currently buffered, removing each one as
// it is yielded. The remainder, always shorter than a frame, stays buffered.
// Yielded slices are copies.
func (b *FrameBuffer) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer b.compact()
		for len(b.buf)-b.off >= b.size {
			frame := make([]byte, b.size)
			copy(frame, b.buf[b.off:b.off+b.size])
			b.off += b.size
			if !yield(frame) {
				return
			}
		}
	}
}

// Len returns the number of buffered bytes not yet handed out.
func (b *FrameBuffer) Len() int {
	return len(b.buf) - b.off
}

func (b *FrameBuffer) FrameBytes() int {
	return b.size
}

// Reset discards buffered bytes.
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

func (b *FrameBuffer) compact() {
	if b.off == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}
