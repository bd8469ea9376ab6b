package avio

import (
	"context"
	"io"
	"net/url"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
)

// wsWriter sends every flushed buffer as one binary message
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type wsCloser struct {
	conn *websocket.Conn
}

func (c *wsCloser) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}

func dialWebSocket(u *url.URL, opts Options) (io.Writer, io.Closer, func(), error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = opts.DialTimeout

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, nil, nil, pkgerrors.Wrapf(err, "websocket dial %s failed with status %d", u.Host, resp.StatusCode)
		}
		return nil, nil, nil, pkgerrors.Wrapf(err, "websocket dial %s failed", u.Host)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	logger := opts.Logger.With("component", "avio", "scheme", u.Scheme)
	stop := watch(conn, opts, logger)
	w := &interruptWriter{w: &wsWriter{conn: conn}, interrupted: opts.Interrupt}
	return w, &wsCloser{conn: conn}, stop, nil
}
