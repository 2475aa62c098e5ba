package session

import (
	"strings"
	"time"

	"github.com/vango-go/vai-phone/pkg/callrecord"
)

// callStats collects what the outbound pipeline observes for the call record.
// Only the outbound goroutine writes it; it is read after the session joins.
type callStats struct {
	transcript []callrecord.Entry
	bargeIns   int
	firstAudio []int64
}

func newCallStats() *callStats {
	return &callStats{transcript: make([]callrecord.Entry, 0, 16)}
}

func (h *callStats) appendText(role, content string, at time.Time) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	// Drop exact repeats of the previous line.
	if n := len(h.transcript); n > 0 && h.transcript[n-1].Role == role && h.transcript[n-1].Content == content {
		return
	}
	h.transcript = append(h.transcript, callrecord.Entry{Role: role, Content: content, At: at})
}

func (h *callStats) recordFirstAudio(latency time.Duration) {
	h.firstAudio = append(h.firstAudio, latency.Milliseconds())
}

func (h *callStats) transcriptSnapshot() []callrecord.Entry {
	out := make([]callrecord.Entry, len(h.transcript))
	copy(out, h.transcript)
	return out
}
