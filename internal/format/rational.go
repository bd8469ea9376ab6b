package format

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
)

// NoPTS marks an unset timestamp; Rescale passes it through unchanged
const NoPTS int64 = math.MinInt64

// Rational is a time base: one tick lasts Num/Den seconds
type Rational struct {
	Num int64
	Den int64
}

var (
	// Millisecond is the unit timestamps arrive in at the session API
	Millisecond = Rational{1, 1000}
	// MPEGClock is the 90 kHz clock used by MP4 video tracks and MPEG-TS
	MPEGClock = Rational{1, 90000}
)

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Valid reports whether r can be used as a time base
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Rescale converts a from time base src to time base dst, rounding half away
// from zero. The product is computed on 128 bits; results beyond the int64
// range saturate. Invalid time bases yield NoPTS.
func Rescale(a int64, src, dst Rational) int64 {
	if a == NoPTS || a == 0 {
		return a
	}
	if !src.Valid() || !dst.Valid() {
		return NoPTS
	}
	// a * src.Num * dst.Den / (src.Den * dst.Num)
	b, okB := mulPositive(src.Num, dst.Den)
	c, okC := mulPositive(src.Den, dst.Num)
	if !okB || !okC {
		return saturate(rescaleBig(a,
			new(big.Int).Mul(big.NewInt(src.Num), big.NewInt(dst.Den)),
			new(big.Int).Mul(big.NewInt(src.Den), big.NewInt(dst.Num))))
	}
	return rescaleRnd(a, b, c)
}

// mulPositive multiplies two positive values, reporting false on overflow
func mulPositive(x, y int64) (int64, bool) {
	hi, lo := bits.Mul64(uint64(x), uint64(y))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

func rescaleRnd(a, b, c int64) int64 {
	if b <= 0 || c <= 0 {
		return NoPTS
	}
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = -ua
	}

	hi, lo := bits.Mul64(ua, uint64(b))
	var carry uint64
	lo, carry = bits.Add64(lo, uint64(c)/2, 0)
	hi += carry

	if hi >= uint64(c) {
		return saturate(rescaleBig(a, big.NewInt(b), big.NewInt(c)))
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func rescaleBig(a int64, b, c *big.Int) *big.Int {
	n := new(big.Int).Mul(big.NewInt(a), b)
	n.Abs(n)
	n.Add(n, new(big.Int).Rsh(c, 1))
	n.Quo(n, c)
	if a < 0 {
		n.Neg(n)
	}
	return n
}

func saturate(n *big.Int) int64 {
	if n.IsInt64() && n.Int64() != NoPTS {
		return n.Int64()
	}
	if n.Sign() < 0 {
		return math.MinInt64 + 1
	}
	return math.MaxInt64
}

// CompareTimestamps returns -1, 0 or 1 depending on whether a (in ta) is
// before, equal to, or after b (in tb).
func CompareTimestamps(a int64, ta Rational, b int64, tb Rational) int {
	l := new(big.Int).Mul(big.NewInt(a), big.NewInt(ta.Num))
	l.Mul(l, big.NewInt(tb.Den))
	r := new(big.Int).Mul(big.NewInt(b), big.NewInt(tb.Num))
	r.Mul(r, big.NewInt(ta.Den))
	return l.Cmp(r)
}
