// Package fmp4 writes fragmented MP4: an init segment followed by moof/mdat
// fragments, each starting at a video key frame by default.
package fmp4

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/h264"
)

const (
	// OptFragSamples closes a fragment once a track holds this many samples (0 disables)
	OptFragSamples = "frag_samples"
	// OptFragKeyframe starts a new fragment at every video key frame
	OptFragKeyframe = "frag_keyframe"
)

// Format is the registered "mp4" output format
var Format = &format.OutputFormat{
	Name:       "mp4",
	LongName:   "fragmented MP4",
	Aliases:    []string{"fmp4"},
	Extensions: []string{"mp4", "m4v", "m4a"},
	Flags:      format.FlagGlobalHeader,
	Codecs:     []format.CodecID{format.CodecH264, format.CodecAAC},
	Options: []format.Option{
		{Name: OptFragSamples, Type: format.OptionInt, Default: "0", Help: "samples per track before a fragment is closed"},
		{Name: OptFragKeyframe, Type: format.OptionBool, Default: "true", Help: "start fragments at video key frames"},
	},
	TimeBase: func(par *format.CodecParameters) format.Rational {
		if par.MediaType == format.MediaTypeAudio && par.SampleRate > 0 {
			return format.Rational{Num: 1, Den: int64(par.SampleRate)}
		}
		return format.MPEGClock
	},
	NewWriter: func(ctx *format.Context) (format.Writer, error) {
		return newWriter(ctx), nil
	},
}

type track struct {
	id        int
	stream    *format.Stream
	timeScale uint32
	sps, pps  []byte

	// pending holds the newest sample until the next one fixes its duration
	pending    *fmp4.Sample
	pendingDTS int64
	lastDur    uint32

	// originDTS is the session origin in this track's time base
	originDTS int64
	started   bool
	baseTime  int64
	samples   []*fmp4.Sample
	sampleNum uint32
}

// Writer serializes fragmented MP4 into the context's output
type Writer struct {
	ctx            *format.Context
	logger         *slog.Logger
	tracks         []*track
	fragSamples    int
	fragKeyframe   bool
	sequenceNumber uint32

	// the first DTS written to any track; every tfdt is measured from it
	origin    int64
	originTB  format.Rational
	hasOrigin bool
}

func newWriter(ctx *format.Context) *Writer {
	return &Writer{
		ctx:            ctx,
		logger:         ctx.Logger.With("component", "fmp4_writer"),
		fragSamples:    ctx.OptionInt(OptFragSamples),
		fragKeyframe:   ctx.OptionBool(OptFragKeyframe),
		sequenceNumber: 1,
	}
}

func audioConfig(par *format.CodecParameters) (mpeg4audio.AudioSpecificConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if len(par.Extradata) > 0 {
		if err := conf.Unmarshal(par.Extradata); err != nil {
			return conf, errors.Wrap(err, "invalid AudioSpecificConfig")
		}
		return conf, nil
	}
	conf.Type = 2 // AAC-LC
	conf.SampleRate = par.SampleRate
	conf.ChannelCount = par.Channels
	return conf, nil
}

// WriteHeader writes the init segment
func (w *Writer) WriteHeader() error {
	init := &fmp4.Init{}
	for _, st := range w.ctx.Streams {
		t := &track{
			id:        st.Index + 1,
			stream:    st,
			timeScale: uint32(st.TimeBase.Den / st.TimeBase.Num),
		}

		var codec mp4.Codec
		switch st.Codec.CodecID {
		case format.CodecH264:
			sps, pps, err := h264.ParameterSets(st.Codec.Extradata)
			if err != nil {
				return errors.Wrapf(err, "stream %d", st.Index)
			}
			t.sps, t.pps = sps, pps
			codec = &mp4.CodecH264{SPS: sps, PPS: pps}
		case format.CodecAAC:
			conf, err := audioConfig(st.Codec)
			if err != nil {
				return errors.Wrapf(err, "stream %d", st.Index)
			}
			codec = &mp4.CodecMPEG4Audio{Config: conf}
		default:
			return fmt.Errorf("stream %d: unsupported codec %s", st.Index, st.Codec.CodecID)
		}

		w.tracks = append(w.tracks, t)
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	initBytes := buf.Bytes()
	if _, err := w.ctx.PB.Write(initBytes); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}

	w.logger.Info("fMP4 init segment written", "size", len(initBytes), "tracks", len(w.tracks))
	return nil
}

// stripADTSHeader removes the ADTS header if present and returns the raw AAC payload.
// If no ADTS header is detected, returns the original data.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	// ADTS syncword 12 bits: 0xFFF
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 { // CRC present => 2 extra bytes
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}

func (w *Writer) samplePayload(t *track, pkt *format.Packet) ([]byte, error) {
	if t.stream.Codec.CodecID == format.CodecAAC {
		return bytes.Clone(stripADTSHeader(pkt.Data)), nil
	}

	// MP4 samples carry length-prefixed NAL units
	nalus, err := h264.SplitNALUs(pkt.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert AnnexB to AVCC: %w", err)
	}
	avc := h264.MarshalAVC(nalus)

	// Key frames without in-band parameter sets get them prepended for decoder robustness
	if pkt.Key && !containsSPS(nalus) {
		avc = h264.PrependParameterSetsAVC(avc, t.sps, t.pps)
	}
	return avc, nil
}

func containsSPS(nalus [][]byte) bool {
	for _, n := range nalus {
		if h264.TypeOf(n) == h264.NALUnitTypeSPS {
			return true
		}
	}
	return false
}

// WritePacket queues one sample. Its duration is known once the next sample
// of the same track arrives.
func (w *Writer) WritePacket(pkt *format.Packet) error {
	t := w.tracks[pkt.StreamIndex]

	payload, err := w.samplePayload(t, pkt)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		w.logger.Debug("Skipping empty sample", "stream", pkt.StreamIndex, "dts", pkt.DTS)
		return nil
	}

	if t.pending != nil {
		d := pkt.DTS - t.pendingDTS
		if d <= 0 {
			d = int64(t.lastDur)
		}
		w.commit(t, uint32(d))
	}

	isVideoKey := t.stream.Codec.MediaType == format.MediaTypeVideo && pkt.Key
	if isVideoKey && w.fragKeyframe && w.buffered() > 0 {
		if err := w.writeFragment(); err != nil {
			return err
		}
	}

	if !t.started {
		w.startTrack(t, pkt.DTS)
	}

	t.pending = &fmp4.Sample{
		PTSOffset:       int32(pkt.PTS - pkt.DTS),
		IsNonSyncSample: t.stream.Codec.MediaType == format.MediaTypeVideo && !pkt.Key,
		Payload:         payload,
	}
	t.pendingDTS = pkt.DTS
	// negative durations are clamped; the next sample replaces this estimate
	if pkt.Duration > 0 {
		t.pending.Duration = uint32(pkt.Duration)
	} else {
		t.pending.Duration = t.lastDur
	}

	if w.fragSamples > 0 && len(t.samples) >= w.fragSamples {
		return w.writeFragment()
	}
	return nil
}

// startTrack anchors t to the session origin, so a track that starts later
// keeps its offset from the others
func (w *Writer) startTrack(t *track, dts int64) {
	t.started = true
	tb := t.stream.TimeBase
	if !w.hasOrigin {
		w.origin, w.originTB, w.hasOrigin = dts, tb, true
	}
	if format.CompareTimestamps(dts, tb, w.origin, w.originTB) < 0 {
		w.logger.Warn("Track starts before the session origin, clamping to 0",
			"track", t.id, "dts", dts, "origin", w.origin)
	}
	t.originDTS = format.Rescale(w.origin, w.originTB, tb)
}

func (w *Writer) commit(t *track, duration uint32) {
	if len(t.samples) == 0 {
		t.baseTime = t.pendingDTS - t.originDTS
	}
	t.pending.Duration = duration
	t.lastDur = duration
	t.samples = append(t.samples, t.pending)
	t.pending = nil
	t.sampleNum++
}

func (w *Writer) buffered() int {
	n := 0
	for _, t := range w.tracks {
		n += len(t.samples)
	}
	return n
}

func (w *Writer) writeFragment() error {
	part := &fmp4.Part{SequenceNumber: w.sequenceNumber}
	for _, t := range w.tracks {
		if len(t.samples) == 0 {
			continue
		}
		baseTime := t.baseTime
		if baseTime < 0 {
			baseTime = 0
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(baseTime),
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	partBytes := buf.Bytes()
	if _, err := w.ctx.PB.Write(partBytes); err != nil {
		w.logger.Error("Failed to write fragment", "error", err, "size", len(partBytes))
		return fmt.Errorf("failed to write fragment: %w", err)
	}

	w.logger.Debug("Fragment written", "sequence", w.sequenceNumber, "tracks", len(part.Tracks), "size", len(partBytes))
	w.sequenceNumber++
	for _, t := range w.tracks {
		t.samples = nil
	}
	return nil
}

// Flush writes the samples collected so far as a fragment. The newest sample
// of each track stays pending until its duration is known.
func (w *Writer) Flush() error {
	return w.writeFragment()
}

// WriteTrailer commits pending samples and writes the last fragment
func (w *Writer) WriteTrailer() error {
	for _, t := range w.tracks {
		if t.pending != nil {
			w.commit(t, t.pending.Duration)
		}
	}
	if err := w.writeFragment(); err != nil {
		return err
	}
	for _, t := range w.tracks {
		w.logger.Info("fMP4 track finished", "track", t.id, "samples", t.sampleNum)
	}
	return nil
}
