package format

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRescale(t *testing.T) {
	tests := []struct {
		name string
		a    int64
		src  Rational
		dst  Rational
		want int64
	}{
		{"ms to 90k", 40, Millisecond, MPEGClock, 3600},
		{"ms to ms", 1040, Millisecond, Millisecond, 1040},
		{"ms to 44.1k", 1, Millisecond, Rational{1, 44100}, 44},
		{"half rounds away from zero", 1, Rational{1, 2}, Rational{1, 1}, 1},
		{"negative half rounds away from zero", -1, Rational{1, 2}, Rational{1, 1}, -1},
		{"below half rounds down", 1, Rational{1, 3}, Rational{1, 1}, 0},
		{"above half rounds up", 2, Rational{1, 3}, Rational{1, 1}, 1},
		{"ms to 48k", 21, Millisecond, Rational{1, 48000}, 1008},
		{"1024 samples at 44.1k to ms", 1024, Rational{1, 44100}, Millisecond, 23},
		{"zero", 0, Millisecond, MPEGClock, 0},
		{"no pts", NoPTS, Millisecond, MPEGClock, NoPTS},
		{"large value stays exact", math.MaxInt64 / 100, Rational{1, 90000}, Rational{1, 90000}, math.MaxInt64 / 100},
		{"overflow saturates", math.MaxInt64 / 2, Millisecond, MPEGClock, math.MaxInt64},
		{"wide time bases stay exact", 12345, Rational{1 << 32, 1 << 40}, Rational{1 << 32, 1 << 40}, 12345},
		{"wide numerator product", 5, Rational{1 << 31, 1 << 61}, Rational{1, 1 << 40}, 5120},
		{"wide time bases round", 3, Rational{1 << 40, 1 << 62}, Rational{1 << 41, 1 << 62}, 2},
		{"invalid time base", 40, Rational{0, 1}, MPEGClock, NoPTS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rescale(tt.a, tt.src, tt.dst))
		})
	}
}

func TestRescaleNoDrift(t *testing.T) {
	// 10 hours of 40ms frames converted one by one match the direct conversion
	const frames = 10 * 3600 * 25
	var last int64
	for i := int64(0); i <= frames; i++ {
		last = Rescale(i*40, Millisecond, MPEGClock)
	}
	assert.Equal(t, int64(frames)*40*90, last)
}

func TestCompareTimestamps(t *testing.T) {
	assert.Equal(t, 0, CompareTimestamps(1000, Millisecond, 90000, MPEGClock))
	assert.Equal(t, -1, CompareTimestamps(999, Millisecond, 90000, MPEGClock))
	assert.Equal(t, 1, CompareTimestamps(1, Rational{1, 1}, 44099, Rational{1, 44100}))
	assert.Equal(t, 0, CompareTimestamps(1, Rational{1 << 40, 1 << 41}, 1, Rational{1 << 41, 1 << 42}))
	assert.Equal(t, -1, CompareTimestamps(1, Rational{1 << 40, 1 << 42}, 1, Rational{1 << 41, 1 << 42}))
}

func TestRationalString(t *testing.T) {
	assert.Equal(t, "1/90000", MPEGClock.String())
	assert.True(t, Millisecond.Valid())
	assert.False(t, Rational{0, 1}.Valid())
}
