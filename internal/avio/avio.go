// Package avio opens the byte sinks a container is serialized into: local
// files and tcp, udp, srt and websocket push targets.
package avio

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jerett/mediaMuxer/config"
	pkgerrors "github.com/pkg/errors"
)

// ErrInterrupted is returned by sink writes once the interrupt callback reports true
var ErrInterrupted = errors.New("avio: interrupted")

// InterruptCallback is polled during blocking writes; returning true aborts them
type InterruptCallback func() bool

// Options controls how a sink is opened
type Options struct {
	Interrupt    InterruptCallback
	PollInterval time.Duration
	DialTimeout  time.Duration
	BufferSize   int
	PacketSize   int
	SRTLatency   time.Duration
	Logger       *slog.Logger
}

// DefaultOptions returns options populated from configuration
func DefaultOptions() Options {
	return Options{
		PollInterval: config.GetPollInterval(),
		DialTimeout:  config.GetDialTimeout(),
		BufferSize:   config.GetBufferSize(),
		PacketSize:   config.GetPacketSize(),
		SRTLatency:   config.GetSRTLatency(),
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = def.BufferSize
	}
	if o.PacketSize <= 0 {
		o.PacketSize = def.PacketSize
	}
	if o.SRTLatency <= 0 {
		o.SRTLatency = def.SRTLatency
	}
	if o.Interrupt == nil {
		o.Interrupt = func() bool { return false }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Sink is a buffered writer over an opened target
type Sink struct {
	url       string
	scheme    string
	buf       *bufio.Writer
	conn      io.Closer
	stopWatch func()
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Open opens target for writing. Plain paths and file: URLs create a local
// file; tcp://, udp://, srt://, ws:// and wss:// dial the remote end.
func Open(target string, opts Options) (*Sink, error) {
	opts.normalize()

	scheme := "file"
	var u *url.URL
	if i := strings.Index(target, "://"); i > 0 {
		parsed, err := url.Parse(target)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "invalid output url %q", target)
		}
		u = parsed
		scheme = strings.ToLower(u.Scheme)
	}

	logger := opts.Logger.With("component", "avio", "scheme", scheme)

	var (
		w         io.Writer
		c         io.Closer
		stopWatch func()
		err       error
		bufSize   = opts.BufferSize
	)
	switch scheme {
	case "file":
		w, c, err = openFile(strings.TrimPrefix(target, "file:"), opts)
	case "tcp":
		w, c, err = dialTCP(u, opts)
	case "udp":
		w, c, err = dialUDP(u, opts)
		bufSize = packetSize(u, opts)
	case "srt":
		w, c, stopWatch, err = dialSRT(u, opts)
		bufSize = packetSize(u, opts)
	case "ws", "wss":
		w, c, stopWatch, err = dialWebSocket(u, opts)
	default:
		return nil, pkgerrors.Errorf("unsupported protocol %q", scheme)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("Sink opened", "url", target, "buffer", bufSize)
	return &Sink{
		url:       target,
		scheme:    scheme,
		buf:       bufio.NewWriterSize(w, bufSize),
		conn:      c,
		stopWatch: stopWatch,
		logger:    logger,
	}, nil
}

// URL returns the target the sink was opened with
func (s *Sink) URL() string {
	return s.url
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

// Flush pushes buffered bytes to the target
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.buf.Flush()
}

// Close flushes pending bytes and releases the target. Calling it again is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.buf.Flush()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	closeErr := s.conn.Close()
	s.logger.Debug("Sink closed", "url", s.url)

	if flushErr != nil {
		return pkgerrors.Wrap(flushErr, "failed to flush sink")
	}
	if closeErr != nil {
		return pkgerrors.Wrap(closeErr, "failed to close sink")
	}
	return nil
}

// interruptWriter checks the callback around each write so that an
// interrupted session observes ErrInterrupted instead of the raw I/O error.
type interruptWriter struct {
	w           io.Writer
	interrupted InterruptCallback
}

func (w *interruptWriter) Write(p []byte) (int, error) {
	if w.interrupted() {
		return 0, ErrInterrupted
	}
	n, err := w.w.Write(p)
	if err != nil && w.interrupted() {
		return n, ErrInterrupted
	}
	return n, err
}

// packetWriter splits writes into datagrams of at most size bytes
type packetWriter struct {
	w    io.Writer
	size int
}

func (w *packetWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := min(len(p)-written, w.size)
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// watch polls the interrupt callback and closes c once it fires, unblocking
// a write stuck inside a transport that has no write deadlines.
func watch(c io.Closer, opts Options, logger *slog.Logger) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if opts.Interrupt() {
					logger.Warn("Interrupt requested, closing connection")
					c.Close()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
