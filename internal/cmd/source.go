package cmd

import (
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/jerett/mediaMuxer/internal/h264"
)

var (
	errNoVideoFrames = errors.New("no coded pictures in video input")
	errNoAudioFrames = errors.New("no frames in audio input")
)

// videoSource is an Annex-B elementary stream cut into access units
type videoSource struct {
	header []byte
	width  int
	height int
	frames []videoFrame
}

type videoFrame struct {
	data []byte
	key  bool
}

func isVCL(t h264.NALUnitType) bool {
	return t == h264.NALUnitTypeSlice || t == h264.NALUnitTypeIDR
}

// firstSliceOfPicture reports whether first_mb_in_slice is 0, which is coded
// as a single set bit
func firstSliceOfPicture(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

func readVideo(data []byte) (*videoSource, error) {
	nalus, err := h264.SplitNALUs(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split video input: %w", err)
	}

	src := &videoSource{}
	var sps, pps []byte
	var au [][]byte
	hasPicture := false

	emit := func() {
		if !hasPicture {
			return
		}
		joined := h264.JoinAnnexB(au)
		src.frames = append(src.frames, videoFrame{data: joined, key: h264.IsKeyFrame(joined)})
		au = nil
		hasPicture = false
	}

	for _, nalu := range nalus {
		typ := h264.TypeOf(nalu)
		switch {
		case typ == h264.NALUnitTypeSPS && sps == nil:
			sps = nalu
		case typ == h264.NALUnitTypePPS && pps == nil:
			pps = nalu
		}
		// non-VCL units open the next access unit
		if hasPicture && (!isVCL(typ) || firstSliceOfPicture(nalu)) {
			emit()
		}
		au = append(au, nalu)
		if isVCL(typ) {
			hasPicture = true
		}
	}
	emit()

	if len(src.frames) == 0 {
		return nil, errNoVideoFrames
	}
	if sps == nil || pps == nil {
		return nil, h264.ErrNoParameterSets
	}
	src.header = h264.JoinAnnexB([][]byte{sps, pps})

	var info mch264.SPS
	if err := info.Unmarshal(sps); err == nil {
		src.width = info.Width()
		src.height = info.Height()
	}
	return src, nil
}

// audioSource is an ADTS stream with its headers stripped
type audioSource struct {
	config     []byte
	sampleRate int
	channels   int
	frames     [][]byte
}

func readADTS(data []byte) (*audioSource, error) {
	if len(data) == 0 {
		return nil, errNoAudioFrames
	}
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to decode ADTS: %w", err)
	}
	if len(pkts) == 0 {
		return nil, errNoAudioFrames
	}

	first := pkts[0]
	src := &audioSource{
		sampleRate: first.SampleRate,
		channels:   first.ChannelCount,
		frames:     make([][]byte, 0, len(pkts)),
	}
	for i, pkt := range pkts {
		if pkt.SampleRate != first.SampleRate || pkt.ChannelCount != first.ChannelCount {
			return nil, fmt.Errorf("ADTS frame %d changes the stream layout", i)
		}
		src.frames = append(src.frames, pkt.AU)
	}

	conf := mpeg4audio.AudioSpecificConfig{
		Type:         first.Type,
		SampleRate:   first.SampleRate,
		ChannelCount: first.ChannelCount,
	}
	asc, err := conf.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to build AudioSpecificConfig: %w", err)
	}
	src.config = asc
	return src, nil
}
