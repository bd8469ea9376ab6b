package format

// Null discards every packet. It is useful for benchmarking the write path
// and for exercising a session without an output.
var Null = &OutputFormat{
	Name:     "null",
	LongName: "raw null video",
	Flags:    FlagNoFile,
	TimeBase: func(*CodecParameters) Rational { return Millisecond },
	NewWriter: func(ctx *Context) (Writer, error) {
		return &nullWriter{ctx: ctx}, nil
	},
}

type nullWriter struct {
	ctx     *Context
	packets int
	bytes   int
}

func (w *nullWriter) WriteHeader() error { return nil }

func (w *nullWriter) WritePacket(pkt *Packet) error {
	w.packets++
	w.bytes += len(pkt.Data)
	return nil
}

func (w *nullWriter) WriteTrailer() error {
	w.ctx.Logger.Debug("null output finished", "packets", w.packets, "bytes", w.bytes)
	return nil
}
