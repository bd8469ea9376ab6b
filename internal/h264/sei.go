package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SEIUUID identifies the user-data-unregistered messages produced by ConstructSEI.
var SEIUUID = uuid.MustParse("03b76fe0-af86-11e5-afbb-0002a5d5c51b")

const (
	// MaxSEIPayloadSize keeps 16+len(payload) within the single payload-size byte.
	MaxSEIPayloadSize = 0xFF - len(uuid.UUID{})

	seiNALHeader       = 0x26
	seiUserDataUnreg   = 0x05
	seiTrailingBits    = 0x80
	seiVerbatimPrefix  = 5 // start code + NAL header
	seiEscapedRegionAt = seiVerbatimPrefix
)

var (
	ErrSEIPayloadTooLarge = fmt.Errorf("h264: SEI payload exceeds %d bytes", MaxSEIPayloadSize)
	ErrMalformedSEI       = errors.New("h264: malformed SEI NAL unit")
)

// ConstructSEI builds a user-data-unregistered SEI NAL unit, start code
// included, carrying SEIUUID followed by payload.
//
// The escape scan looks at the three unescaped bytes ending at each position
// from index 5 on. 00 00 00, 00 00 01 and 00 00 02 get an 0x03 inserted before
// their last byte. 00 00 03 emits the byte followed by 03 03.
func ConstructSEI(payload []byte) ([]byte, error) {
	if len(payload) > MaxSEIPayloadSize {
		return nil, ErrSEIPayloadTooLarge
	}
	size := byte(len(SEIUUID) + len(payload))

	raw := make([]byte, 0, len(StartCode4)+3+int(size)+1)
	raw = append(raw, StartCode4...)
	raw = append(raw, seiNALHeader, seiUserDataUnreg, size)
	raw = append(raw, SEIUUID[:]...)
	raw = append(raw, payload...)
	raw = append(raw, seiTrailingBits)

	out := make([]byte, 0, len(raw)*2)
	out = append(out, raw[:seiVerbatimPrefix]...)
	for i := seiEscapedRegionAt; i < len(raw); i++ {
		if raw[i-2] != 0x00 || raw[i-1] != 0x00 {
			out = append(out, raw[i])
			continue
		}
		switch raw[i] {
		case 0x00, 0x01, 0x02:
			out = append(out, 0x03, raw[i])
		case 0x03:
			out = append(out, raw[i], 0x03, 0x03)
		default:
			out = append(out, raw[i])
		}
	}
	return out, nil
}

// UnescapeSEI reverses the escaping applied by ConstructSEI and returns the
// unescaped NAL unit, start code included.
func UnescapeSEI(nal []byte) ([]byte, error) {
	if len(nal) < seiVerbatimPrefix {
		return nil, ErrMalformedSEI
	}
	out := make([]byte, 0, len(nal))
	out = append(out, nal[:seiVerbatimPrefix]...)
	for i := seiEscapedRegionAt; i < len(nal); i++ {
		n := len(out)
		if nal[i] != 0x03 || out[n-1] != 0x00 || out[n-2] != 0x00 {
			out = append(out, nal[i])
			continue
		}
		if i+1 >= len(nal) {
			return nil, fmt.Errorf("%w: dangling escape at %d", ErrMalformedSEI, i)
		}
		switch next := nal[i+1]; next {
		case 0x00, 0x01, 0x02:
			out = append(out, next)
			i++
		case 0x03:
			if i+2 >= len(nal) || nal[i+2] != 0x03 {
				return nil, fmt.Errorf("%w: short 00 00 03 escape at %d", ErrMalformedSEI, i)
			}
			out = append(out, 0x03)
			i += 2
		default:
			return nil, fmt.Errorf("%w: unexpected byte %#02x after escape at %d", ErrMalformedSEI, next, i)
		}
	}
	return out, nil
}

// ParseSEI unescapes a NAL unit produced by ConstructSEI and returns the
// caller payload it carries.
func ParseSEI(nal []byte) ([]byte, error) {
	raw, err := UnescapeSEI(nal)
	if err != nil {
		return nil, err
	}
	prefix := append(append([]byte{}, StartCode4...), seiNALHeader, seiUserDataUnreg)
	if !bytes.HasPrefix(raw, prefix) || len(raw) < len(prefix)+1+len(SEIUUID)+1 {
		return nil, ErrMalformedSEI
	}
	size := int(raw[len(prefix)])
	body := raw[len(prefix)+1:]
	if size < len(SEIUUID) || len(body) != size+1 || body[size] != seiTrailingBits {
		return nil, fmt.Errorf("%w: size %d does not match body", ErrMalformedSEI, size)
	}
	if !bytes.Equal(body[:len(SEIUUID)], SEIUUID[:]) {
		return nil, fmt.Errorf("%w: unknown UUID", ErrMalformedSEI)
	}
	return body[len(SEIUUID):size], nil
}
