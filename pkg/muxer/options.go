package muxer

import (
	"log/slog"
	"time"
)

// Option configures a Muxer
type Option func(*Muxer)

// WithLogger sets the logger; the session adds its own attributes
func WithLogger(logger *slog.Logger) Option {
	return func(m *Muxer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPollInterval sets how often blocking sink writes check for Interrupt
func WithPollInterval(d time.Duration) Option {
	return func(m *Muxer) {
		m.ioOpts.PollInterval = d
	}
}

// WithDialTimeout bounds connection setup for network targets
func WithDialTimeout(d time.Duration) Option {
	return func(m *Muxer) {
		m.ioOpts.DialTimeout = d
	}
}

// WithBufferSize sets the sink write buffer size in bytes
func WithBufferSize(n int) Option {
	return func(m *Muxer) {
		m.ioOpts.BufferSize = n
	}
}

// WithMaxInterleaveDelta bounds how long the interleaving queue waits for a
// lagging stream; zero waits indefinitely
func WithMaxInterleaveDelta(d time.Duration) Option {
	return func(m *Muxer) {
		m.maxInterleaveDelta = d
	}
}
