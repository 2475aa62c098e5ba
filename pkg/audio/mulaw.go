// Package audio holds the small amount of signal handling the relay needs for
// 8-bit G.711 mu-law telephony audio.
package audio

import (
	"math"
	"time"

	"github.com/zaf/g711"
)

const (
	// TelephonySampleRate is the caller endpoint's native mu-law rate.
	TelephonySampleRate = 8000

	// DefaultVoiceThreshold is the linear RMS above which a frame counts as speech.
	DefaultVoiceThreshold = 500.0
)

// Silence is one mu-law byte encoding a zero sample.
const Silence byte = 0xff

// RMS returns the root mean square of the decoded mu-law samples in frame.
func RMS(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		s := float64(g711.DecodeUlawFrame(b))
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// IsVoiced reports whether frame carries energy above threshold. A threshold
// <= 0 selects DefaultVoiceThreshold.
func IsVoiced(frame []byte, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	return RMS(frame) > threshold
}

// Duration returns the playback time of n mu-law bytes at sampleRate.
func Duration(n int, sampleRate int) time.Duration {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the number of mu-law bytes covering d at sampleRate.
func BytesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

// SilenceFrame returns n bytes of mu-law silence.
func SilenceFrame(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = Silence
	}
	return out
}
