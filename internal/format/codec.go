package format

import (
	"bytes"
	"fmt"
)

// MediaType tells video and audio streams apart
type MediaType int

const (
	MediaTypeVideo MediaType = iota
	MediaTypeAudio
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	}
	return fmt.Sprintf("media(%d)", int(t))
}

// CodecID identifies the elementary stream codec
type CodecID int

const (
	CodecNone CodecID = iota
	CodecH264
	CodecAAC
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecAAC:
		return "aac"
	}
	return "none"
}

// ChannelLayout is a bitmask of speaker positions
type ChannelLayout uint64

const (
	ChannelFrontLeft   ChannelLayout = 0x1
	ChannelFrontRight  ChannelLayout = 0x2
	ChannelFrontCenter ChannelLayout = 0x4

	ChannelLayoutMono   = ChannelFrontCenter
	ChannelLayoutStereo = ChannelFrontLeft | ChannelFrontRight
)

func (l ChannelLayout) String() string {
	switch l {
	case ChannelLayoutMono:
		return "mono"
	case ChannelLayoutStereo:
		return "stereo"
	}
	return fmt.Sprintf("0x%x", uint64(l))
}

const (
	PixelFormatYUV420P = "yuv420p"
	SampleFormatS16    = "s16"
)

// CodecParameters describes the encoded data carried by a stream
type CodecParameters struct {
	MediaType MediaType
	CodecID   CodecID
	// Extradata is the codec header: avcC or Annex-B SPS/PPS for H.264,
	// AudioSpecificConfig for AAC.
	Extradata []byte
	BitRate   int64

	Width       int
	Height      int
	PixelFormat string

	SampleRate    int
	ChannelLayout ChannelLayout
	Channels      int
	SampleFormat  string

	// GlobalHeader is set when the container stores codec headers out of band
	GlobalHeader bool
}

// Clone returns a copy that owns its extradata
func (p *CodecParameters) Clone() *CodecParameters {
	c := *p
	c.Extradata = bytes.Clone(p.Extradata)
	return &c
}
