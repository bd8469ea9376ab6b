package format

// Packet is one encoded frame addressed to a stream. Timestamps and duration
// are in the stream's time base.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	Key         bool
}
