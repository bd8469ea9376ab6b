package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
)

func TestAnnexBToAVCConversion(t *testing.T) {
	annexB := JoinAnnexB([][]byte{testSPS, testPPS, testIDR})

	avc, err := ConvertAnnexBToAVC(annexB)
	require.NoError(t, err)

	want := MarshalAVC([][]byte{testSPS, testPPS, testIDR})
	assert.Equal(t, want, avc)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, byte(len(testSPS))}, avc[:4])

	back, err := ConvertAVCToAnnexB(avc)
	require.NoError(t, err)
	assert.Equal(t, annexB, back)
}

func TestConvertAVCToAnnexB_InvalidLength(t *testing.T) {
	_, err := ConvertAVCToAnnexB([]byte{0x00, 0x00, 0x00, 0x10, 0x65})
	assert.Error(t, err)

	_, err = ConvertAVCToAnnexB([]byte{0x00, 0x00})
	assert.Error(t, err)
}

func TestDecoderConfigRoundTrip(t *testing.T) {
	record, err := BuildDecoderConfig(testSPS, testPPS)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), record[0])
	assert.Equal(t, testSPS[1], record[1])
	assert.Equal(t, testSPS[3], record[3])

	sps, pps, ok := ParseDecoderConfig(record)
	require.True(t, ok)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestParameterSets(t *testing.T) {
	record, err := BuildDecoderConfig(testSPS, testPPS)
	require.NoError(t, err)

	tests := []struct {
		name      string
		extradata []byte
		wantErr   bool
	}{
		{"avcC", record, false},
		{"Annex-B", JoinAnnexB([][]byte{testSPS, testPPS}), false},
		{"Annex-B without PPS", JoinAnnexB([][]byte{testSPS}), true},
		{"empty", nil, true},
		{"truncated avcC", record[:6], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sps, pps, err := ParameterSets(tt.extradata)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoParameterSets)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testSPS, sps)
			assert.Equal(t, testPPS, pps)
		})
	}
}

func TestDecoderConfigFromAnnexB(t *testing.T) {
	record, err := DecoderConfig(JoinAnnexB([][]byte{testSPS, testPPS}))
	require.NoError(t, err)

	want, err := BuildDecoderConfig(testSPS, testPPS)
	require.NoError(t, err)
	assert.Equal(t, want, record)
}

func TestPrependParameterSetsAVC(t *testing.T) {
	au := MarshalAVC([][]byte{testIDR})
	out := PrependParameterSetsAVC(au, testSPS, testPPS)
	assert.Equal(t, MarshalAVC([][]byte{testSPS, testPPS, testIDR}), out)

	assert.Equal(t, au, PrependParameterSetsAVC(au, nil, testPPS))
}
