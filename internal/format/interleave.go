package format

import (
	"bytes"
	"slices"
	"time"
)

var microsecond = Rational{1, 1_000_000}

// interleaver orders packets of all streams by decode time. A packet leaves
// the queue once every stream has something queued, once the queue spans
// more than maxDelta, or on flush.
type interleaver struct {
	streams  []*Stream
	queue    []*Packet
	counts   []int
	maxDelta time.Duration
}

func newInterleaver(streams []*Stream, maxDelta time.Duration) *interleaver {
	return &interleaver{
		streams:  streams,
		counts:   make([]int, len(streams)),
		maxDelta: maxDelta,
	}
}

func (q *interleaver) before(a, b *Packet) bool {
	c := CompareTimestamps(a.DTS, q.streams[a.StreamIndex].TimeBase, b.DTS, q.streams[b.StreamIndex].TimeBase)
	if c != 0 {
		return c < 0
	}
	return a.StreamIndex < b.StreamIndex
}

// push queues a copy of pkt; the caller keeps ownership of pkt.Data
func (q *interleaver) push(pkt *Packet) {
	p := *pkt
	p.Data = bytes.Clone(pkt.Data)

	// insert after every packet that does not sort after p, keeping arrival order on ties
	i := len(q.queue)
	for i > 0 && q.before(&p, q.queue[i-1]) {
		i--
	}
	q.queue = slices.Insert(q.queue, i, &p)
	q.counts[p.StreamIndex]++
}

func (q *interleaver) ready() bool {
	if len(q.queue) == 0 {
		return false
	}
	all := true
	for _, n := range q.counts {
		if n == 0 {
			all = false
			break
		}
	}
	if all {
		return true
	}
	if q.maxDelta <= 0 {
		return false
	}
	head, tail := q.queue[0], q.queue[len(q.queue)-1]
	span := Rescale(tail.DTS, q.streams[tail.StreamIndex].TimeBase, microsecond) -
		Rescale(head.DTS, q.streams[head.StreamIndex].TimeBase, microsecond)
	return span > q.maxDelta.Microseconds()
}

// pop returns the next packet to write, or nil when the queue must wait for
// more input. With flush set every queued packet is released.
func (q *interleaver) pop(flush bool) *Packet {
	if len(q.queue) == 0 || (!flush && !q.ready()) {
		return nil
	}
	p := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	q.counts[p.StreamIndex]--
	return p
}

func (q *interleaver) len() int {
	return len(q.queue)
}
