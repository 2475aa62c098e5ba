package audio

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVoiced(t *testing.T) {
	assert.False(t, IsVoiced(SilenceFrame(160), 0))
	assert.False(t, IsVoiced(nil, 0))

	loud := make([]byte, 160) // 0x00 is the most negative mu-law code
	assert.True(t, IsVoiced(loud, 0))
	assert.Greater(t, RMS(loud), 30000.0)
}

func TestDurationAndBytesFor(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Duration(800, 8000))
	assert.Equal(t, 20*time.Millisecond, Duration(160, 8000))
	assert.Equal(t, 800, BytesFor(100*time.Millisecond, 8000))
	assert.Equal(t, 0, BytesFor(0, 8000))
}

func TestTempoTransformer_Validation(t *testing.T) {
	_, err := NewTempoTransformer(0, 8000)
	require.Error(t, err)
	_, err = NewTempoTransformer(3, 8000)
	require.Error(t, err)
}

func TestTempoTransformer_IdentityFactorPassesThrough(t *testing.T) {
	tr, err := NewTempoTransformer(1, 8000)
	require.NoError(t, err)
	in := []byte{1, 2, 3}
	out, err := tr.Transform(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTempoTransformer_OutputLengthFollowsFactor(t *testing.T) {
	cases := []struct {
		factor float64
		in     int
	}{
		{1.25, 800},
		{1.25, 8000},
		{0.8, 800},
		{0.8, 8000},
	}
	for _, tc := range cases {
		tr, err := NewTempoTransformer(tc.factor, 8000)
		require.NoError(t, err)
		out, err := tr.Transform(context.Background(), SilenceFrame(tc.in))
		require.NoError(t, err)

		want := float64(tc.in) / tc.factor
		assert.InDelta(t, want, float64(len(out)), want*0.02+16,
			"factor=%v in=%d out=%d", tc.factor, tc.in, len(out))
	}
}

func TestTempoTransformer_ShortFragmentIsNotEmpty(t *testing.T) {
	tr, err := NewTempoTransformer(1.25, 8000)
	require.NoError(t, err)
	out, err := tr.Transform(context.Background(), SilenceFrame(160))
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Less(t, len(out), 160)
}

func TestCommandTransformer(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	tr, err := NewCommandTransformer("cat", time.Second)
	require.NoError(t, err)
	out, err := tr.Transform(context.Background(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestCommandTransformer_Failure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	tr, err := NewCommandTransformer("false", time.Second)
	require.NoError(t, err)
	_, err = tr.Transform(context.Background(), []byte("abc"))
	require.Error(t, err)

	_, err = NewCommandTransformer("   ", time.Second)
	require.Error(t, err)
}
