package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter bounds caller media by messages and bytes per second. A
// message is admitted only if both buckets can pay for it.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	now := l.now()
	if l.frames != nil && l.frames.TokensAt(now) < 1 {
		return false
	}
	if l.bytes != nil && l.bytes.TokensAt(now) < float64(frameBytes) {
		return false
	}
	if l.frames != nil {
		l.frames.AllowN(now, 1)
	}
	if l.bytes != nil {
		l.bytes.AllowN(now, frameBytes)
	}
	return true
}
