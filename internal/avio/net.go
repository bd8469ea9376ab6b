package avio

import (
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
)

type deadlineConn interface {
	io.WriteCloser
	SetWriteDeadline(t time.Time) error
}

// deadlineWriter writes in slices bounded by the poll interval so the
// interrupt callback is consulted while the peer is not draining.
type deadlineWriter struct {
	conn        deadlineConn
	poll        time.Duration
	interrupted InterruptCallback
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if w.interrupted() {
			return written, ErrInterrupted
		}
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.poll)); err != nil {
			return written, err
		}
		n, err := w.conn.Write(p[written:])
		written += n
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return written, err
		}
	}
	return written, nil
}

func dialTCP(u *url.URL, opts Options) (io.Writer, io.Closer, error) {
	if u.Host == "" {
		return nil, nil, pkgerrors.Errorf("missing host in %s", u)
	}
	conn, err := net.DialTimeout("tcp", u.Host, opts.DialTimeout)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "failed to connect to %s", u.Host)
	}
	return &deadlineWriter{conn: conn, poll: opts.PollInterval, interrupted: opts.Interrupt}, conn, nil
}

func dialUDP(u *url.URL, opts Options) (io.Writer, io.Closer, error) {
	if u.Host == "" {
		return nil, nil, pkgerrors.Errorf("missing host in %s", u)
	}
	conn, err := net.DialTimeout("udp", u.Host, opts.DialTimeout)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "failed to dial %s", u.Host)
	}
	w := &deadlineWriter{conn: conn, poll: opts.PollInterval, interrupted: opts.Interrupt}
	return &packetWriter{w: w, size: packetSize(u, opts)}, conn, nil
}

// packetSize honours a pkt_size query parameter, falling back to the configured size
func packetSize(u *url.URL, opts Options) int {
	if u != nil {
		if s := u.Query().Get("pkt_size"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				return n
			}
		}
	}
	return opts.PacketSize
}
