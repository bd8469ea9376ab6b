// Package muxer writes H.264 video and AAC audio into a container on a file
// or network target. A Muxer goes through Open, Add*Stream, WriteHeader and
// any number of frame writes before Close; frame writes may come from several
// goroutines and are serialized internally.
package muxer

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"

	"github.com/jerett/mediaMuxer/config"
	"github.com/jerett/mediaMuxer/internal/avio"
	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/format/all"
	"github.com/jerett/mediaMuxer/internal/h264"
	"github.com/jerett/mediaMuxer/internal/util"
)

var (
	ErrNotOpen       = errors.New("muxer: session not open")
	ErrNotWritable   = errors.New("muxer: header not written")
	ErrClosed        = errors.New("muxer: session closed")
	ErrStreamExists  = errors.New("muxer: stream already added")
	ErrHeaderWritten = errors.New("muxer: header already written")
	ErrNoStream      = errors.New("muxer: stream not added")
)

// ChannelLayout is the speaker layout of the audio stream
type ChannelLayout = format.ChannelLayout

const (
	ChannelLayoutMono   = format.ChannelLayoutMono
	ChannelLayoutStereo = format.ChannelLayoutStereo
)

const (
	defaultSampleRate = 44100
	defaultChannels   = 1
	defaultBitRate    = 64000

	// samples per AAC frame
	aacFrameSize = 1024
)

// ConstructSEI wraps payload in an unregistered user data SEI NAL unit, the
// prefix WriteVideoFrameWithMetadata adds to a frame
func ConstructSEI(payload []byte) ([]byte, error) {
	return h264.ConstructSEI(payload)
}

// State is the lifecycle stage of a Muxer
type State int

const (
	StateCreated State = iota
	StateOpened
	StateHeaderWritten
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateHeaderWritten:
		return "header_written"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Muxer is one output session
type Muxer struct {
	formatName string
	target     string
	id         string
	logger     *slog.Logger

	ioOpts             avio.Options
	maxInterleaveDelta time.Duration

	interrupted atomic.Bool

	mu    sync.Mutex
	state State
	ctx   *format.Context
	video *format.Stream
	audio *format.Stream

	videoSeen    bool
	lastVideoPTS int64
}

// New creates a session for target. An empty formatName picks the container
// from the target's extension.
func New(formatName, target string, opts ...Option) *Muxer {
	all.RegisterAll()

	m := &Muxer{
		formatName:         formatName,
		target:             target,
		id:                 uniuri.NewLen(8),
		logger:             util.GetLogger(),
		ioOpts:             avio.DefaultOptions(),
		maxInterleaveDelta: config.GetMaxInterleaveDelta(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "muxer", "session", m.id, "format", formatName, "target", target)
	m.ioOpts.Interrupt = m.interrupted.Load
	m.ioOpts.Logger = m.logger
	return m
}

// ID returns the random session id attached to every log line
func (m *Muxer) ID() string {
	return m.id
}

// State returns the current lifecycle stage
func (m *Muxer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Muxer) requireOpened() error {
	switch m.state {
	case StateOpened:
		return nil
	case StateCreated:
		return ErrNotOpen
	case StateHeaderWritten:
		return ErrHeaderWritten
	default:
		return ErrClosed
	}
}

// Open resolves the container and applies its private options. Options the
// container does not know, or values it rejects, are logged and skipped.
// A failure closes the session.
func (m *Muxer) Open(options map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateCreated:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("muxer: open called twice (state %s)", m.state)
	}

	ctx, err := format.AllocOutputContext(m.formatName, m.target)
	if err != nil {
		m.state = StateClosed
		m.logger.Error("Failed to allocate output context", "error", err)
		return fmt.Errorf("open %q: %w", m.target, err)
	}
	ctx.Flags |= format.FlagAllowFlush
	ctx.Interrupt = m.interrupted.Load
	ctx.MaxInterleaveDelta = m.maxInterleaveDelta
	ctx.Logger = m.logger

	for _, k := range slices.Sorted(maps.Keys(options)) {
		if err := ctx.SetOption(k, options[k]); err != nil {
			m.logger.Warn("Ignoring output option", "key", k, "value", options[k], "error", err)
		}
	}

	m.ctx = ctx
	m.state = StateOpened
	m.logger.Debug("Session opened", "container", ctx.Format.Name)
	return nil
}

// SetMetadata attaches a container level tag; it must precede WriteHeader
func (m *Muxer) SetMetadata(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpened(); err != nil {
		return err
	}
	m.ctx.SetMetadata(key, value)
	return nil
}

func (m *Muxer) globalHeader() bool {
	return m.ctx.Format.Flags&format.FlagGlobalHeader != 0
}

// AddVideoStream adds the H.264 stream. header carries SPS and PPS, either
// Annex-B or as an avcC record, and is copied. options become stream metadata.
func (m *Muxer) AddVideoStream(width, height int, header []byte, options map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpened(); err != nil {
		return err
	}
	if m.video != nil {
		return fmt.Errorf("video: %w", ErrStreamExists)
	}

	st, err := m.ctx.NewStream(&format.CodecParameters{
		MediaType:    format.MediaTypeVideo,
		CodecID:      format.CodecH264,
		Extradata:    header,
		Width:        width,
		Height:       height,
		PixelFormat:  format.PixelFormatYUV420P,
		GlobalHeader: m.globalHeader(),
	})
	if err != nil {
		m.logger.Error("Failed to add video stream", "error", err)
		return fmt.Errorf("add video stream: %w", err)
	}
	for k, v := range options {
		st.Metadata[k] = v
	}

	m.video = st
	m.logger.Debug("Video stream added", "index", st.Index, "width", width, "height", height,
		"header", len(header), "time_base", st.TimeBase.String())
	return nil
}

// AddAudioStream adds the AAC stream. header is the AudioSpecificConfig and
// is copied. Zero values fall back to 44100 Hz mono at 64 kb/s.
func (m *Muxer) AddAudioStream(header []byte, sampleRate int, layout ChannelLayout, channels int, bitRate int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpened(); err != nil {
		return err
	}
	if m.audio != nil {
		return fmt.Errorf("audio: %w", ErrStreamExists)
	}

	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	if layout == 0 {
		layout = ChannelLayoutMono
	}
	if channels <= 0 {
		channels = defaultChannels
	}
	if bitRate <= 0 {
		bitRate = defaultBitRate
	}

	st, err := m.ctx.NewStream(&format.CodecParameters{
		MediaType:     format.MediaTypeAudio,
		CodecID:       format.CodecAAC,
		Extradata:     header,
		BitRate:       bitRate,
		SampleRate:    sampleRate,
		ChannelLayout: layout,
		Channels:      channels,
		SampleFormat:  format.SampleFormatS16,
		GlobalHeader:  m.globalHeader(),
	})
	if err != nil {
		m.logger.Error("Failed to add audio stream", "error", err)
		return fmt.Errorf("add audio stream: %w", err)
	}

	m.audio = st
	m.logger.Debug("Audio stream added", "index", st.Index, "sample_rate", sampleRate,
		"channels", channels, "bit_rate", bitRate, "time_base", st.TimeBase.String())
	return nil
}

// WriteHeader opens the target and writes the container header. A failure
// releases everything and closes the session.
func (m *Muxer) WriteHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpened(); err != nil {
		return err
	}

	if m.ctx.Format.Flags&format.FlagNoFile == 0 {
		if err := m.ctx.OpenIO(m.ioOpts); err != nil {
			m.logger.Error("Could not open output", "error", err)
			m.release()
			return fmt.Errorf("open output %q: %w", m.target, err)
		}
	}

	if err := m.ctx.WriteHeader(); err != nil {
		m.logger.Error("Error occurred when writing header", "error", err)
		m.release()
		return fmt.Errorf("write header: %w", err)
	}

	m.ctx.Dump(m.logger)
	m.state = StateHeaderWritten
	return nil
}

func (m *Muxer) writable() error {
	switch m.state {
	case StateHeaderWritten:
		return nil
	case StateClosed:
		return fmt.Errorf("%w: %w", ErrNotWritable, ErrClosed)
	default:
		return ErrNotWritable
	}
}

// WriteAudioFrame writes one raw AAC frame. pts is in milliseconds.
func (m *Muxer) WriteAudioFrame(payload []byte, pts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		m.logger.Warn("Dropping audio frame", "state", m.state.String(), "pts", pts)
		return err
	}
	if m.audio == nil {
		return fmt.Errorf("audio: %w", ErrNoStream)
	}

	tb := m.audio.TimeBase
	ts := format.Rescale(pts, format.Millisecond, tb)
	pkt := &format.Packet{
		StreamIndex: m.audio.Index,
		Data:        payload,
		PTS:         ts,
		DTS:         ts,
		Duration:    format.Rescale(aacFrameSize, format.Rational{Num: 1, Den: int64(m.audio.Codec.SampleRate)}, tb),
		Key:         true,
	}
	return m.write(pkt, "audio")
}

// WriteVideoFrame writes one H.264 access unit in Annex-B form. pts and dts
// are in milliseconds. A nil payload only flushes the container.
func (m *Muxer) WriteVideoFrame(payload []byte, pts, dts int64, isKey bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		m.logger.Warn("Dropping video frame", "state", m.state.String(), "pts", pts)
		return err
	}
	if payload == nil {
		return m.flush()
	}
	if m.video == nil {
		return fmt.Errorf("video: %w", ErrNoStream)
	}

	tb := m.video.TimeBase
	pkt := &format.Packet{
		StreamIndex: m.video.Index,
		Data:        payload,
		PTS:         format.Rescale(pts, format.Millisecond, tb),
		DTS:         format.Rescale(dts, format.Millisecond, tb),
		Key:         isKey || h264.IsKeyFrame(payload),
	}
	if m.videoSeen {
		pkt.Duration = pkt.PTS - m.lastVideoPTS
	} else {
		m.videoSeen = true
	}
	m.lastVideoPTS = pkt.PTS

	return m.write(pkt, "video")
}

// WriteVideoFrameWithMetadata prefixes the access unit with an SEI NAL unit
// carrying metadata and writes both as one frame.
func (m *Muxer) WriteVideoFrameWithMetadata(payload, metadata []byte, pts, dts int64, isKey bool) error {
	sei, err := ConstructSEI(metadata)
	if err != nil {
		m.logger.Error("Failed to build SEI", "error", err, "size", len(metadata))
		return err
	}
	buf := make([]byte, 0, len(sei)+len(payload))
	buf = append(buf, sei...)
	buf = append(buf, payload...)
	return m.WriteVideoFrame(buf, pts, dts, isKey)
}

func (m *Muxer) write(pkt *format.Packet, kind string) error {
	if err := m.ctx.InterleavedWriteFrame(pkt); err != nil {
		m.logger.Error("Failed to write frame", "kind", kind, "pts", pkt.PTS, "dts", pkt.DTS, "error", err)
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// Flush pushes data buffered in the container and the sink to the target
func (m *Muxer) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	return m.flush()
}

func (m *Muxer) flush() error {
	if err := m.ctx.WriteFrame(nil); err != nil {
		m.logger.Error("Failed to flush", "error", err)
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close writes the trailer, closes the target and releases the session.
// A trailer failure is only logged. Calling Close again is a no-op.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed:
		return nil
	case StateHeaderWritten:
		if err := m.ctx.WriteTrailer(); err != nil {
			m.logger.Error("Failed to write trailer", "error", err)
		}
	}
	m.release()
	m.logger.Debug("Session closed")
	return nil
}

// release closes the sink and frees the context
func (m *Muxer) release() {
	if m.ctx != nil {
		if err := m.ctx.CloseIO(); err != nil {
			m.logger.Warn("Failed to close output", "error", err)
		}
		m.ctx.Free()
	}
	m.state = StateClosed
}

// Interrupt aborts blocking writes on the target. It never waits for the
// session lock, so it can be called while a write is stuck.
func (m *Muxer) Interrupt() {
	if !m.interrupted.Swap(true) {
		m.logger.Info("Interrupt requested")
	}
}
