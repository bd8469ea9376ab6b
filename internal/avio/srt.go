package avio

import (
	"io"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"
	srtgo "github.com/zsiec/srtgo"
)

type srtResult struct {
	conn *srtgo.Conn
	err  error
}

// dialSRT connects in caller mode. Query parameters: streamid, latency
// (milliseconds) and pkt_size.
func dialSRT(u *url.URL, opts Options) (io.Writer, io.Closer, func(), error) {
	if u.Host == "" {
		return nil, nil, nil, pkgerrors.Errorf("missing host in %s", u)
	}
	q := u.Query()

	latency := opts.SRTLatency
	if s := q.Get("latency"); s != "" {
		if d, err := time.ParseDuration(s + "ms"); err == nil && d > 0 {
			latency = d
		}
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	if id := q.Get("streamid"); id != "" {
		cfg.StreamID = id
	}

	ch := make(chan srtResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Host, cfg)
		ch <- srtResult{conn, err}
	}()

	timer := time.NewTimer(opts.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, nil, nil, pkgerrors.Wrapf(res.err, "SRT dial %s failed", u.Host)
		}
		logger := opts.Logger.With("component", "avio", "scheme", "srt")
		stop := watch(res.conn, opts, logger)
		w := &packetWriter{
			w:    &interruptWriter{w: res.conn, interrupted: opts.Interrupt},
			size: packetSize(u, opts),
		}
		return w, res.conn, stop, nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, nil, nil, pkgerrors.Errorf("SRT dial %s timed out after %s", u.Host, opts.DialTimeout)
	}
}

