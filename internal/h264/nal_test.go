package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitNALUs(t *testing.T) {
	au := append(append([]byte{}, StartCode4...), testSPS...)
	au = append(au, StartCode3...)
	au = append(au, testPPS...)
	au = append(au, StartCode4...)
	au = append(au, testIDR...)

	nalus, err := SplitNALUs(au)
	require.NoError(t, err)
	require.Len(t, nalus, 3)
	assert.Equal(t, NALUnitTypeSPS, TypeOf(nalus[0]))
	assert.Equal(t, NALUnitTypePPS, TypeOf(nalus[1]))
	assert.Equal(t, NALUnitTypeIDR, TypeOf(nalus[2]))
}

func TestSplitNALUs_NoStartCode(t *testing.T) {
	nalus, err := SplitNALUs(testIDR)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testIDR}, nalus)

	nalus, err = SplitNALUs(nil)
	require.NoError(t, err)
	assert.Empty(t, nalus)
}

func TestIsKeyFrame(t *testing.T) {
	assert.True(t, IsKeyFrame(JoinAnnexB([][]byte{testSPS, testPPS, testIDR})))
	assert.False(t, IsKeyFrame(JoinAnnexB([][]byte{{0x41, 0x9a, 0x24, 0x8c}})))
	assert.False(t, IsKeyFrame(nil))
}

func TestParameterSetsAnnexB(t *testing.T) {
	sps, pps := ParameterSetsAnnexB(JoinAnnexB([][]byte{testSPS, testPPS, testIDR}))
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestNALUnitTypeString(t *testing.T) {
	assert.Equal(t, "idr", NALUnitTypeIDR.String())
	assert.Equal(t, "sei", TypeOf([]byte{0x06}).String())
	assert.Equal(t, "nal(12)", NALUnitTypeFiller.String())
}

func TestPrependSpsPps(t *testing.T) {
	ps := JoinAnnexB([][]byte{testSPS, testPPS})
	frame := JoinAnnexB([][]byte{testIDR})
	assert.Equal(t, JoinAnnexB([][]byte{testSPS, testPPS, testIDR}), PrependSpsPps(frame, ps))
	assert.Equal(t, frame, PrependSpsPps(frame, nil))
}
