// Package rawh264 writes a bare Annex-B H.264 elementary stream.
package rawh264

import (
	"fmt"

	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/h264"
)

// OptRepeatHeaders re-emits SPS/PPS before every key frame that lacks them
const OptRepeatHeaders = "repeat_headers"

// Format is the registered "h264" output format
var Format = &format.OutputFormat{
	Name:       "h264",
	LongName:   "raw H.264 video",
	Aliases:    []string{"264"},
	Extensions: []string{"h264", "264"},
	Codecs:     []format.CodecID{format.CodecH264},
	Options: []format.Option{
		{Name: OptRepeatHeaders, Type: format.OptionBool, Default: "true", Help: "insert SPS/PPS before key frames"},
	},
	TimeBase: func(*format.CodecParameters) format.Rational { return format.Millisecond },
	NewWriter: func(ctx *format.Context) (format.Writer, error) {
		if len(ctx.Streams) != 1 {
			return nil, fmt.Errorf("raw h264 takes exactly one video stream, got %d", len(ctx.Streams))
		}
		return &Writer{ctx: ctx, repeatHeaders: ctx.OptionBool(OptRepeatHeaders)}, nil
	},
}

// Writer copies access units to the output in Annex-B form
type Writer struct {
	ctx           *format.Context
	repeatHeaders bool
	paramSets     []byte
	frames        int
}

// WriteHeader writes the stream's SPS/PPS
func (w *Writer) WriteHeader() error {
	sps, pps, err := h264.ParameterSets(w.ctx.Streams[0].Codec.Extradata)
	if err != nil {
		return err
	}
	w.paramSets = h264.JoinAnnexB([][]byte{sps, pps})
	_, err = w.ctx.PB.Write(w.paramSets)
	return err
}

// WritePacket writes one access unit
func (w *Writer) WritePacket(pkt *format.Packet) error {
	data := pkt.Data
	if !h264.HasStartCode(data) {
		data = h264.JoinAnnexB([][]byte{data})
	}
	if w.repeatHeaders && pkt.Key && w.frames > 0 {
		if sps, _ := h264.ParameterSetsAnnexB(data); sps == nil {
			data = h264.PrependSpsPps(data, w.paramSets)
		}
	}
	if _, err := w.ctx.PB.Write(data); err != nil {
		return err
	}
	w.frames++
	return nil
}

// WriteTrailer is a no-op; elementary streams have no trailer
func (w *Writer) WriteTrailer() error {
	return nil
}
