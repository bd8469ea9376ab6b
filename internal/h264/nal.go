package h264

import (
	"bytes"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// NALUnitType represents H.264 NAL unit types
type NALUnitType uint8

const (
	NALUnitTypeSlice     NALUnitType = 1
	NALUnitTypeDPA       NALUnitType = 2
	NALUnitTypeDPB       NALUnitType = 3
	NALUnitTypeDPC       NALUnitType = 4
	NALUnitTypeIDR       NALUnitType = 5
	NALUnitTypeSEI       NALUnitType = 6
	NALUnitTypeSPS       NALUnitType = 7
	NALUnitTypePPS       NALUnitType = 8
	NALUnitTypeAUD       NALUnitType = 9
	NALUnitTypeEndSeq    NALUnitType = 10
	NALUnitTypeEndStream NALUnitType = 11
	NALUnitTypeFiller    NALUnitType = 12
)

func (t NALUnitType) String() string {
	switch t {
	case NALUnitTypeSlice:
		return "slice"
	case NALUnitTypeIDR:
		return "idr"
	case NALUnitTypeSEI:
		return "sei"
	case NALUnitTypeSPS:
		return "sps"
	case NALUnitTypePPS:
		return "pps"
	case NALUnitTypeAUD:
		return "aud"
	}
	return fmt.Sprintf("nal(%d)", uint8(t))
}

// TypeOf returns the type of a NAL unit given without start code
func TypeOf(nalu []byte) NALUnitType {
	if len(nalu) == 0 {
		return 0
	}
	return NALUnitType(nalu[0] & 0x1F)
}

// HasStartCode checks if data begins with a start code
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitNALUs splits an Annex-B access unit into NAL units without start codes.
// Data that carries no start code is returned as a single NAL unit.
func SplitNALUs(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !HasStartCode(data) {
		return [][]byte{data}, nil
	}

	var annexB mch264.AnnexB
	if err := annexB.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse Annex-B: %w", err)
	}
	return annexB, nil
}

// JoinAnnexB joins NAL units into an Annex-B buffer with 4-byte start codes
func JoinAnnexB(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(StartCode4) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, StartCode4...)
		out = append(out, nalu...)
	}
	return out
}

// IsKeyFrame checks if the Annex-B access unit contains an IDR slice
func IsKeyFrame(au []byte) bool {
	nalus, err := SplitNALUs(au)
	if err != nil {
		return false
	}
	for _, nalu := range nalus {
		if TypeOf(nalu) == NALUnitTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSetsAnnexB extracts the first SPS and PPS found in Annex-B data
func ParameterSetsAnnexB(data []byte) (sps, pps []byte) {
	nalus, err := SplitNALUs(data)
	if err != nil {
		return nil, nil
	}
	for _, nalu := range nalus {
		switch TypeOf(nalu) {
		case NALUnitTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case NALUnitTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// PrependSpsPps prepends SPS/PPS configuration data before keyframes.
func PrependSpsPps(data []byte, spsPps []byte) []byte {
	if len(spsPps) == 0 {
		return data
	}

	result := make([]byte, 0, len(spsPps)+len(data))
	result = append(result, spsPps...)
	result = append(result, data...)
	return result
}
