// Package mpegts writes MPEG transport streams for file output and live
// push targets (udp, srt, tcp).
package mpegts

import (
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/pkg/errors"

	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/h264"
)

// OptFlushPackets flushes the output after every packet, for low latency push targets
const OptFlushPackets = "flush_packets"

// Format is the registered "mpegts" output format
var Format = &format.OutputFormat{
	Name:       "mpegts",
	LongName:   "MPEG-TS (MPEG-2 Transport Stream)",
	Aliases:    []string{"ts"},
	Extensions: []string{"ts", "m2t", "m2ts", "mts"},
	Codecs:     []format.CodecID{format.CodecH264, format.CodecAAC},
	Options: []format.Option{
		{Name: OptFlushPackets, Type: format.OptionBool, Default: "false", Help: "flush the output after each packet"},
	},
	TimeBase: func(*format.CodecParameters) format.Rational { return format.MPEGClock },
	NewWriter: func(ctx *format.Context) (format.Writer, error) {
		return &Writer{
			ctx:          ctx,
			logger:       ctx.Logger.With("component", "mpegts_writer"),
			flushPackets: ctx.OptionBool(OptFlushPackets),
		}, nil
	},
}

// Writer serializes the context streams as a transport stream
type Writer struct {
	ctx          *format.Context
	logger       *slog.Logger
	w            *mpegts.Writer
	tracks       []*mpegts.Track
	paramSets    [][]byte
	flushPackets bool
	packets      int
}

// WriteHeader creates one elementary stream per context stream and writes the PAT/PMT
func (w *Writer) WriteHeader() error {
	w.paramSets = make([][]byte, len(w.ctx.Streams))
	for _, st := range w.ctx.Streams {
		var codec mpegts.Codec
		switch st.Codec.CodecID {
		case format.CodecH264:
			codec = &mpegts.CodecH264{}
			if sps, pps, err := h264.ParameterSets(st.Codec.Extradata); err == nil {
				w.paramSets[st.Index] = h264.JoinAnnexB([][]byte{sps, pps})
			}
		case format.CodecAAC:
			var conf mpeg4audio.AudioSpecificConfig
			if err := conf.Unmarshal(st.Codec.Extradata); err != nil {
				return errors.Wrapf(err, "stream %d: invalid AudioSpecificConfig", st.Index)
			}
			codec = &mpegts.CodecMPEG4Audio{Config: conf}
		default:
			return fmt.Errorf("stream %d: unsupported codec %s", st.Index, st.Codec.CodecID)
		}
		w.tracks = append(w.tracks, &mpegts.Track{Codec: codec})
	}

	w.w = &mpegts.Writer{
		W:      w.ctx.PB,
		Tracks: w.tracks,
	}
	if err := w.w.Initialize(); err != nil {
		return errors.Wrap(err, "failed to initialize MPEG-TS writer")
	}
	w.logger.Info("MPEG-TS writer initialized", "tracks", len(w.tracks))
	return nil
}

// WritePacket writes one access unit as a PES packet
func (w *Writer) WritePacket(pkt *format.Packet) error {
	track := w.tracks[pkt.StreamIndex]
	st := w.ctx.Streams[pkt.StreamIndex]

	var err error
	switch st.Codec.CodecID {
	case format.CodecH264:
		var au [][]byte
		data := pkt.Data
		// key frames carry SPS/PPS in band so receivers can join mid-stream
		if pkt.Key {
			if sps, _ := h264.ParameterSetsAnnexB(data); sps == nil {
				data = h264.PrependSpsPps(data, w.paramSets[pkt.StreamIndex])
			}
		}
		au, err = h264.SplitNALUs(data)
		if err != nil {
			return err
		}
		err = w.w.WriteH264(track, pkt.PTS, pkt.DTS, au)
	case format.CodecAAC:
		err = w.w.WriteMPEG4Audio(track, pkt.PTS, [][]byte{pkt.Data})
	}
	if err != nil {
		return fmt.Errorf("failed to write %s packet: %w", st.Codec.CodecID, err)
	}
	w.packets++

	if w.flushPackets {
		return w.Flush()
	}
	return nil
}

// Flush pushes buffered TS packets to the sink
func (w *Writer) Flush() error {
	if f, ok := w.ctx.PB.(format.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// WriteTrailer has nothing to finalize; transport streams carry no index
func (w *Writer) WriteTrailer() error {
	w.logger.Info("MPEG-TS writer finished", "packets", w.packets)
	return nil
}
