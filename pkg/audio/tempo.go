package audio

import (
	"context"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
	"github.com/zaf/g711"
)

// TempoTransformer speeds up or slows down mu-law audio by resampling it and
// playing the result back at the original rate. Pitch moves with tempo.
type TempoTransformer struct {
	// Factor > 1 plays faster. 1 returns the input unchanged.
	Factor     float64
	SampleRate int
}

func NewTempoTransformer(factor float64, sampleRate int) (*TempoTransformer, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("tempo factor must be > 0")
	}
	if factor < 0.5 || factor > 2 {
		return nil, fmt.Errorf("tempo factor must be between 0.5 and 2")
	}
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}
	return &TempoTransformer{Factor: factor, SampleRate: sampleRate}, nil
}

func (t *TempoTransformer) Transform(ctx context.Context, raw []byte) ([]byte, error) {
	if t == nil || t.Factor == 1 || len(raw) == 0 {
		return raw, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Each call gets its own resampler: flushes are independent utterance fragments.
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(t.SampleRate),
		OutputRate: float64(t.SampleRate) / t.Factor,
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(raw))
	for i, b := range raw {
		input[i] = float64(g711.DecodeUlawFrame(b)) / 32768.0
	}

	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	// The filter holds the last samples of the fragment until flushed.
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush: %w", err)
	}
	output = append(output, tail...)

	out := make([]byte, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			s = 1.0
		case s < -1.0:
			s = -1.0
		}
		out[i] = g711.EncodeUlawFrame(int16(s * 32767.0))
	}
	return out, nil
}
