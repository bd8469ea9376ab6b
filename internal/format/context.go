package format

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jerett/mediaMuxer/config"
	"github.com/jerett/mediaMuxer/internal/avio"
	pkgerrors "github.com/pkg/errors"
)

var (
	ErrHeaderWritten     = errors.New("format: header already written")
	ErrHeaderNotWritten  = errors.New("format: header not written")
	ErrContextFreed      = errors.New("format: context freed")
	ErrInvalidStream     = errors.New("format: invalid stream index")
	ErrNonMonotonicDTS   = errors.New("format: non monotonically increasing dts")
	ErrUnsupportedCodec  = errors.New("format: codec not supported by container")
	ErrNoStreams         = errors.New("format: no streams")
	ErrNoOutput          = errors.New("format: no output sink")
	ErrTrailerWritten    = errors.New("format: trailer already written")
	errInvalidTimeBase   = errors.New("format: invalid time base")
	errMissingTimestamps = errors.New("format: packet has no timestamps")
)

// Stream is one elementary stream of an output context
type Stream struct {
	Index    int
	Codec    *CodecParameters
	TimeBase Rational
	Metadata map[string]string

	lastDTS int64
}

type contextState int

const (
	stateAllocated contextState = iota
	stateHeaderWritten
	stateTrailerWritten
	stateFreed
)

// Context is an output context: a format, its streams and the sink the
// container is serialized into. It is not safe for concurrent use.
type Context struct {
	Format   *OutputFormat
	URL      string
	Streams  []*Stream
	Metadata map[string]string
	// Flags holds per-context flags such as FlagAllowFlush
	Flags Flags
	// PB is the sink the writer serializes into; unused for FlagNoFile formats
	PB io.Writer
	// Interrupt is handed to the sink opened by OpenIO
	Interrupt          avio.InterruptCallback
	MaxInterleaveDelta time.Duration
	Logger             *slog.Logger

	priv   map[string]any
	writer Writer
	queue  *interleaver
	sink   *avio.Sink
	state  contextState
}

// AllocOutputContext resolves the output format and allocates a context for target
func AllocOutputContext(name, target string) (*Context, error) {
	f, err := FindOutputFormat(name, target)
	if err != nil {
		return nil, err
	}
	return &Context{
		Format:             f,
		URL:                target,
		Metadata:           make(map[string]string),
		MaxInterleaveDelta: config.GetMaxInterleaveDelta(),
		Logger:             slog.Default(),
		priv:               make(map[string]any),
	}, nil
}

// SetMetadata attaches a container level tag
func (c *Context) SetMetadata(key, value string) {
	c.Metadata[key] = value
}

// NewStream adds a stream carrying par. The context takes a private copy of
// par and assigns the container's time base.
func (c *Context) NewStream(par *CodecParameters) (*Stream, error) {
	if c.state != stateAllocated {
		if c.state == stateFreed {
			return nil, ErrContextFreed
		}
		return nil, ErrHeaderWritten
	}
	if !c.Format.Supports(par.CodecID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnsupportedCodec, par.CodecID, c.Format.Name)
	}

	codec := par.Clone()
	tb := Millisecond
	if c.Format.TimeBase != nil {
		tb = c.Format.TimeBase(codec)
	}
	if !tb.Valid() {
		return nil, fmt.Errorf("%w %s for %s stream", errInvalidTimeBase, tb, codec.MediaType)
	}

	st := &Stream{
		Index:    len(c.Streams),
		Codec:    codec,
		TimeBase: tb,
		Metadata: make(map[string]string),
		lastDTS:  NoPTS,
	}
	c.Streams = append(c.Streams, st)
	return st, nil
}

// OpenIO opens the context URL as its sink, like avio_open on the output
func (c *Context) OpenIO(opts avio.Options) error {
	if c.state == stateFreed {
		return ErrContextFreed
	}
	if c.Interrupt != nil {
		opts.Interrupt = c.Interrupt
	}
	if opts.Logger == nil {
		opts.Logger = c.Logger
	}
	sink, err := avio.Open(c.URL, opts)
	if err != nil {
		return err
	}
	c.sink = sink
	c.PB = sink
	return nil
}

// CloseIO flushes and closes the sink opened by OpenIO
func (c *Context) CloseIO() error {
	if c.sink == nil {
		return nil
	}
	err := c.sink.Close()
	c.sink = nil
	c.PB = nil
	return err
}

// WriteHeader creates the container writer and writes the header
func (c *Context) WriteHeader() error {
	switch c.state {
	case stateFreed:
		return ErrContextFreed
	case stateHeaderWritten, stateTrailerWritten:
		return ErrHeaderWritten
	}
	if len(c.Streams) == 0 {
		return ErrNoStreams
	}
	if c.Format.Flags&FlagNoFile == 0 && c.PB == nil {
		return ErrNoOutput
	}

	w, err := c.Format.NewWriter(c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create %s writer", c.Format.Name)
	}
	if err := w.WriteHeader(); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s header", c.Format.Name)
	}

	c.writer = w
	c.queue = newInterleaver(c.Streams, c.MaxInterleaveDelta)
	c.state = stateHeaderWritten
	return nil
}

func (c *Context) checkWritable() error {
	switch c.state {
	case stateAllocated:
		return ErrHeaderNotWritten
	case stateTrailerWritten:
		return ErrTrailerWritten
	case stateFreed:
		return ErrContextFreed
	}
	return nil
}

func (c *Context) prepare(pkt *Packet) error {
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(c.Streams) {
		return fmt.Errorf("%w %d", ErrInvalidStream, pkt.StreamIndex)
	}
	if pkt.DTS == NoPTS {
		pkt.DTS = pkt.PTS
	}
	if pkt.PTS == NoPTS {
		pkt.PTS = pkt.DTS
	}
	if pkt.DTS == NoPTS {
		return errMissingTimestamps
	}
	st := c.Streams[pkt.StreamIndex]
	if st.lastDTS != NoPTS && pkt.DTS < st.lastDTS {
		return fmt.Errorf("%w for stream %d: %d < %d", ErrNonMonotonicDTS, st.Index, pkt.DTS, st.lastDTS)
	}
	st.lastDTS = pkt.DTS
	return nil
}

// WriteFrame hands pkt straight to the writer. A nil packet flushes data
// buffered in the writer and the sink when the context allows flushing.
func (c *Context) WriteFrame(pkt *Packet) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if pkt == nil {
		return c.flush()
	}
	if err := c.prepare(pkt); err != nil {
		return err
	}
	return c.writer.WritePacket(pkt)
}

func (c *Context) flush() error {
	if (c.Flags|c.Format.Flags)&FlagAllowFlush == 0 {
		return nil
	}
	if f, ok := c.writer.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return pkgerrors.Wrap(err, "failed to flush writer")
		}
	}
	if f, ok := c.PB.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return pkgerrors.Wrap(err, "failed to flush output")
		}
	}
	return nil
}

// InterleavedWriteFrame queues pkt and writes every packet that is ready in
// decode-time order across streams. A nil packet drains the queue. The
// packet data is copied, so the caller may reuse it after the call.
func (c *Context) InterleavedWriteFrame(pkt *Packet) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	flush := pkt == nil
	if !flush {
		if err := c.prepare(pkt); err != nil {
			return err
		}
		c.queue.push(pkt)
	}
	return c.drain(flush)
}

func (c *Context) drain(flush bool) error {
	for {
		p := c.queue.pop(flush)
		if p == nil {
			return nil
		}
		if err := c.writer.WritePacket(p); err != nil {
			return err
		}
	}
}

// WriteTrailer drains the interleaving queue and finalizes the container
func (c *Context) WriteTrailer() error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.state = stateTrailerWritten

	drainErr := c.drain(true)
	if err := c.writer.WriteTrailer(); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s trailer", c.Format.Name)
	}
	if f, ok := c.PB.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return pkgerrors.Wrap(err, "failed to flush output")
		}
	}
	return drainErr
}

// Free releases the writer and queued packets. A sink opened by OpenIO must
// be closed with CloseIO first.
func (c *Context) Free() {
	if c.state == stateFreed {
		return
	}
	if c.queue != nil {
		c.queue.queue = nil
	}
	c.writer = nil
	c.queue = nil
	c.state = stateFreed
}

// Queued returns the number of packets waiting in the interleaving queue
func (c *Context) Queued() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.len()
}

// Dump logs the output layout
func (c *Context) Dump(logger *slog.Logger) {
	if logger == nil {
		logger = c.Logger
	}
	logger.Info(fmt.Sprintf("Output #0, %s, to '%s'", c.Format.Name, c.URL),
		"streams", len(c.Streams), "flags", (c.Flags | c.Format.Flags).String())
	for _, k := range slices.Sorted(maps.Keys(c.Metadata)) {
		logger.Info("  Metadata", "key", k, "value", c.Metadata[k])
	}
	for _, st := range c.Streams {
		logger.Info(fmt.Sprintf("  Stream #0:%d: %s", st.Index, describe(st)), "time_base", st.TimeBase.String())
		for _, k := range slices.Sorted(maps.Keys(st.Metadata)) {
			logger.Info("    Metadata", "key", k, "value", st.Metadata[k])
		}
	}
}

func describe(st *Stream) string {
	p := st.Codec
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", strings.ToUpper(p.MediaType.String()[:1])+p.MediaType.String()[1:], p.CodecID)
	switch p.MediaType {
	case MediaTypeVideo:
		fmt.Fprintf(&b, ", %s, %dx%d", p.PixelFormat, p.Width, p.Height)
	case MediaTypeAudio:
		fmt.Fprintf(&b, ", %d Hz, %s, %s", p.SampleRate, p.ChannelLayout, p.SampleFormat)
	}
	if p.BitRate > 0 {
		fmt.Fprintf(&b, ", %d kb/s", p.BitRate/1000)
	}
	return b.String()
}
