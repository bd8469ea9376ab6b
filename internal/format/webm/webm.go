// Package webm writes WebM (Matroska) with H.264 and AAC tracks through ebml-go.
package webm

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/h264"
)

// OptDefaultDuration sets the video track's nominal frame duration
const OptDefaultDuration = "default_duration"

const (
	trackTypeVideo = 1
	trackTypeAudio = 2
)

// Format is the registered "webm" output format. Block timestamps are in
// milliseconds, the default Matroska timecode scale.
var Format = &format.OutputFormat{
	Name:       "webm",
	LongName:   "WebM",
	Extensions: []string{"webm", "mkv"},
	Flags:      format.FlagGlobalHeader,
	Codecs:     []format.CodecID{format.CodecH264, format.CodecAAC},
	Options: []format.Option{
		{Name: OptDefaultDuration, Type: format.OptionDuration, Default: "0", Help: "nominal video frame duration"},
	},
	TimeBase: func(*format.CodecParameters) format.Rational { return format.Millisecond },
	NewWriter: func(ctx *format.Context) (format.Writer, error) {
		return newWriter(ctx), nil
	},
}

// trailerTimeout bounds the wait for ebml-go to finish the segment
const trailerTimeout = 5 * time.Second

// segmentBuffer collects the bytes ebml-go marshals on its own goroutine.
// Writes never block; the session goroutine moves them to the sink.
type segmentBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	done   chan struct{}
}

func newSegmentBuffer() *segmentBuffer {
	return &segmentBuffer{done: make(chan struct{})}
}

func (b *segmentBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

// Close is called by ebml-go once the last cluster is marshaled
func (b *segmentBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *segmentBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	p := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	return p
}

// Writer serializes the context streams into a WebM segment. ebml-go marshals
// blocks on its own goroutine into a segmentBuffer; every sink write happens
// in the calling goroutine, so it runs under the session lock and sees the
// interrupt flag.
type Writer struct {
	ctx     *format.Context
	logger  *slog.Logger
	blocks  []webm.BlockWriteCloser
	written []int
	out     *segmentBuffer
	sinkErr error

	// ebml-go reports fatal errors from its own goroutine and stops reading
	// blocks; dead is closed when that happens
	mu       sync.Mutex
	fatal    error
	dead     chan struct{}
	deadOnce sync.Once
}

func newWriter(ctx *format.Context) *Writer {
	return &Writer{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "webm_writer"),
		out:    newSegmentBuffer(),
		dead:   make(chan struct{}),
	}
}

func (w *Writer) fail(err error) {
	w.logger.Warn("WebM error occurred", "error", err)
	w.mu.Lock()
	if w.fatal == nil {
		w.fatal = err
	}
	w.mu.Unlock()
	w.deadOnce.Do(func() { close(w.dead) })
}

func (w *Writer) fatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// handoff runs a block writer call that ebml-go may never answer once its
// goroutine has stopped
func (w *Writer) handoff(call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		return err
	case <-w.dead:
		return errors.Wrap(w.fatalErr(), "webm writer failed")
	}
}

// drain moves marshaled bytes to the sink. A sink error is kept and returned
// by every later call.
func (w *Writer) drain() error {
	if w.sinkErr != nil {
		return w.sinkErr
	}
	p := w.out.take()
	if len(p) == 0 {
		return nil
	}
	if _, err := w.ctx.PB.Write(p); err != nil {
		w.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"data_size", len(p))
		w.sinkErr = err
		return err
	}
	return nil
}

func trackEntry(st *format.Stream, defaultDuration time.Duration) (webm.TrackEntry, error) {
	number := uint64(st.Index + 1)
	entry := webm.TrackEntry{
		TrackNumber: number,
		TrackUID:    number,
	}

	switch st.Codec.CodecID {
	case format.CodecH264:
		avcc, err := h264.DecoderConfig(st.Codec.Extradata)
		if err != nil {
			return entry, errors.Wrapf(err, "stream %d", st.Index)
		}
		entry.Name = "Video"
		entry.CodecID = "V_MPEG4/ISO/AVC"
		entry.CodecPrivate = avcc
		entry.TrackType = trackTypeVideo
		if defaultDuration > 0 {
			entry.DefaultDuration = uint64(defaultDuration.Nanoseconds())
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(st.Codec.Width),
			PixelHeight: uint64(st.Codec.Height),
		}
	case format.CodecAAC:
		entry.Name = "Audio"
		entry.CodecID = "A_AAC"
		entry.CodecPrivate = st.Codec.Extradata
		entry.TrackType = trackTypeAudio
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(st.Codec.SampleRate),
			Channels:          uint64(st.Codec.Channels),
		}
	default:
		return entry, fmt.Errorf("stream %d: unsupported codec %s", st.Index, st.Codec.CodecID)
	}
	return entry, nil
}

// WriteHeader writes the EBML header and the track list
func (w *Writer) WriteHeader() error {
	defaultDuration := w.ctx.OptionDuration(OptDefaultDuration)

	entries := make([]webm.TrackEntry, 0, len(w.ctx.Streams))
	for _, st := range w.ctx.Streams {
		entry, err := trackEntry(st, defaultDuration)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	blocks, err := webm.NewSimpleBlockWriter(w.out, entries, mkvcore.WithOnFatalHandler(w.fail))
	if err != nil {
		w.logger.Error("Failed to create WebM writer", "error", err)
		return err
	}

	w.blocks = blocks
	w.written = make([]int, len(blocks))
	w.logger.Info("WebM container initialized", "tracks", len(blocks))
	return w.drain()
}

// WritePacket writes one SimpleBlock
func (w *Writer) WritePacket(pkt *format.Packet) error {
	if w.sinkErr != nil {
		return w.sinkErr
	}
	if err := w.fatalErr(); err != nil {
		return errors.Wrap(err, "webm writer failed")
	}
	st := w.ctx.Streams[pkt.StreamIndex]

	// ebml-go marshals the block after Write returns, so it gets its own copy
	var data []byte
	if st.Codec.CodecID == format.CodecH264 {
		avc, err := h264.ConvertAnnexBToAVC(pkt.Data)
		if err != nil {
			return fmt.Errorf("failed to convert AnnexB to AVCC: %w", err)
		}
		data = avc
	} else {
		data = bytes.Clone(pkt.Data)
	}
	if len(data) == 0 {
		return nil
	}

	// audio frames are all sync points
	key := pkt.Key || st.Codec.MediaType == format.MediaTypeAudio
	block := w.blocks[pkt.StreamIndex]
	err := w.handoff(func() error {
		_, err := block.Write(key, pkt.PTS, data)
		return err
	})
	if err != nil {
		w.logger.Error("Failed to write block", "error", err, "stream", pkt.StreamIndex, "size", len(data))
		return err
	}
	w.written[pkt.StreamIndex]++
	// the block is marshaled asynchronously; its bytes go out on a later drain
	return w.drain()
}

// Flush writes what ebml-go has marshaled so far
func (w *Writer) Flush() error {
	return w.drain()
}

// WriteTrailer closes every track, which finalizes the segment
func (w *Writer) WriteTrailer() error {
	var firstErr error
	for i, b := range w.blocks {
		if err := w.handoff(b.Close); err != nil {
			w.logger.Warn("Track close error", "track", i+1, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			break
		}
	}

	if len(w.blocks) > 0 {
		timer := time.NewTimer(trailerTimeout)
		defer timer.Stop()
		select {
		case <-w.out.done:
		case <-w.dead:
		case <-timer.C:
			w.logger.Warn("Timed out waiting for the WebM segment to finish")
		}
	}

	if err := w.drain(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.fatalErr(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "webm writer failed")
	}
	w.logger.Info("WebM container finalized", "blocks", w.written)
	return firstErr
}
