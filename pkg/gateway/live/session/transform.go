package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Transformer reshapes outbound audio before it reaches the caller.
type Transformer interface {
	Transform(ctx context.Context, raw []byte) ([]byte, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, raw []byte) ([]byte, error)

func (f TransformFunc) Transform(ctx context.Context, raw []byte) ([]byte, error) {
	return f(ctx, raw)
}

// OutboundMode selects how agent audio is delivered to the caller.
type OutboundMode int

const (
	// OutboundImmediate forwards every agent chunk as it arrives.
	OutboundImmediate OutboundMode = iota
	// OutboundBuffered accumulates agent audio and flushes it through the
	// transformer when idle or on barge-in.
	OutboundBuffered
)

func (m OutboundMode) String() string {
	if m == OutboundBuffered {
		return "buffered"
	}
	return "immediate"
}

func ParseOutboundMode(v string) (OutboundMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "immediate":
		return OutboundImmediate, nil
	case "buffered":
		return OutboundBuffered, nil
	default:
		return OutboundImmediate, fmt.Errorf("unknown outbound mode %q", v)
	}
}

// ttsBuffer is the outbound accumulator of buffered mode. It is owned by the
// outbound pipeline; its idle timer is read from the same select loop.
type ttsBuffer struct {
	transform Transformer
	idle      time.Duration
	timeout   time.Duration

	buf    []byte
	timer  *time.Timer
	active bool
}

func newTTSBuffer(transform Transformer, idle, timeout time.Duration) *ttsBuffer {
	if idle <= 0 {
		idle = 100 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ttsBuffer{transform: transform, idle: idle, timeout: timeout}
}

// Add appends chunk and restarts the idle timer.
func (b *ttsBuffer) Add(chunk []byte) {
	b.buf = append(b.buf, chunk...)
	b.resetTimer()
}

func (b *ttsBuffer) Len() int {
	return len(b.buf)
}

// C fires when the buffer has been idle for the configured timeout. It is nil
// while nothing is pending.
func (b *ttsBuffer) C() <-chan time.Time {
	if !b.active || b.timer == nil {
		return nil
	}
	return b.timer.C
}

// Flush empties the buffer and returns the audio to deliver. When the transform
// fails the raw audio is returned together with the error.
func (b *ttsBuffer) Flush(ctx context.Context) ([]byte, error) {
	b.stopTimer()
	if len(b.buf) == 0 {
		return nil, nil
	}
	raw := b.buf
	b.buf = nil

	if b.transform == nil {
		return raw, nil
	}
	tctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	out, err := b.transform.Transform(tctx, raw)
	if err != nil {
		return raw, err
	}
	if len(out) == 0 {
		return raw, fmt.Errorf("transform returned no audio")
	}
	return out, nil
}

// Discard drops pending audio.
func (b *ttsBuffer) Discard() {
	b.stopTimer()
	b.buf = nil
}

func (b *ttsBuffer) resetTimer() {
	if b.timer == nil {
		b.timer = time.NewTimer(b.idle)
		b.active = true
		return
	}
	b.stopTimer()
	b.timer.Reset(b.idle)
	b.active = true
}

func (b *ttsBuffer) stopTimer() {
	if b.timer == nil {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.active = false
}
