package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoParameterSets is returned when extradata carries no usable SPS/PPS pair
var ErrNoParameterSets = errors.New("h264: no SPS/PPS in codec header")

// ParseDecoderConfig extracts SPS/PPS from an avcC box payload
// (AVCDecoderConfigurationRecord).
func ParseDecoderConfig(avcc []byte) (sps, pps []byte, ok bool) {
	if len(avcc) < 7 || avcc[0] != 0x01 {
		return nil, nil, false
	}
	// version(1) profile(1) compat(1) level(1) lengthSizeMinusOne(1) numOfSPS(1, low 3 bits)
	i := 5
	numSps := int(avcc[i] & 0x1F)
	i++
	for n := 0; n < numSps && i+2 <= len(avcc); n++ {
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			return nil, nil, false
		}
		if l > 0 && sps == nil {
			sps = append([]byte{}, avcc[i:i+l]...)
		}
		i += l
	}
	if i >= len(avcc) {
		return sps, nil, false
	}

	numPps := int(avcc[i])
	i++
	for n := 0; n < numPps && i+2 <= len(avcc); n++ {
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			return sps, pps, sps != nil && pps != nil
		}
		if l > 0 && pps == nil {
			pps = append([]byte{}, avcc[i:i+l]...)
		}
		i += l
	}

	return sps, pps, sps != nil && pps != nil
}

// BuildDecoderConfig serializes an AVCDecoderConfigurationRecord with
// 4-byte NAL length fields for a single SPS/PPS pair.
func BuildDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, ErrNoParameterSets
	}
	if len(sps) > 0xFFFF || len(pps) > 0xFFFF {
		return nil, fmt.Errorf("h264: parameter set too large (sps %d, pps %d)", len(sps), len(pps))
	}

	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,   // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved(6) + lengthSizeMinusOne = 3
		0xE1,   // reserved(3) + numOfSequenceParameterSets = 1
	)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 0x01) // numOfPictureParameterSets
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out, nil
}

// ParameterSets returns the SPS/PPS carried by a codec header, which may be
// either an avcC record or Annex-B SPS/PPS NAL units.
func ParameterSets(extradata []byte) (sps, pps []byte, err error) {
	if len(extradata) > 0 && extradata[0] == 0x01 {
		if s, p, ok := ParseDecoderConfig(extradata); ok {
			return s, p, nil
		}
	}
	if s, p := ParameterSetsAnnexB(extradata); len(s) > 0 && len(p) > 0 {
		return s, p, nil
	}
	return nil, nil, ErrNoParameterSets
}

// DecoderConfig normalizes a codec header into an avcC record
func DecoderConfig(extradata []byte) ([]byte, error) {
	if _, _, ok := ParseDecoderConfig(extradata); ok {
		return append([]byte{}, extradata...), nil
	}
	sps, pps, err := ParameterSets(extradata)
	if err != nil {
		return nil, err
	}
	return BuildDecoderConfig(sps, pps)
}

// ConvertAnnexBToAVC converts an Annex-B access unit into 4-byte length-prefixed NAL units
func ConvertAnnexBToAVC(data []byte) ([]byte, error) {
	nalus, err := SplitNALUs(data)
	if err != nil {
		return nil, err
	}
	return MarshalAVC(nalus), nil
}

// MarshalAVC writes NAL units with 4-byte big-endian length prefixes
func MarshalAVC(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// ConvertAVCToAnnexB converts length-prefixed NAL units back to Annex-B format
func ConvertAVCToAnnexB(data []byte) ([]byte, error) {
	var result []byte
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", offset)
		}

		length := binary.BigEndian.Uint32(data[offset:])
		offset += 4

		if offset+int(length) > len(data) {
			return nil, fmt.Errorf("invalid length prefix: %d", length)
		}

		result = append(result, StartCode4...)
		result = append(result, data[offset:offset+int(length)]...)

		offset += int(length)
	}

	return result, nil
}

// PrependParameterSetsAVC prepends SPS/PPS to a length-prefixed access unit
func PrependParameterSetsAVC(avc []byte, sps []byte, pps []byte) []byte {
	if len(avc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avc
	}
	out := make([]byte, 0, 4+len(sps)+4+len(pps)+len(avc))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sps)))
	out = append(out, sps...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pps)))
	out = append(out, pps...)
	out = append(out, avc...)
	return out
}
