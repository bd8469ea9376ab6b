package muxer

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jerett/mediaMuxer/internal/avio"
	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/h264"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}

	// AAC-LC, 48 kHz, stereo
	testASC      = []byte{0x11, 0x90}
	testAACFrame = []byte{0x21, 0x10, 0x56, 0xe5, 0x00, 0x00, 0x00, 0x00}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func videoHeader() []byte {
	return h264.JoinAnnexB([][]byte{testSPS, testPPS})
}

// recorder is a container that records what reaches it and notices when two
// writes overlap
type recorder struct {
	mu       sync.Mutex
	packets  []format.Packet
	headers  int
	trailers int
	flushes  int

	inFlight   atomic.Int32
	overlapped atomic.Bool
	failWith   error
}

func (r *recorder) enter() {
	if r.inFlight.Add(1) > 1 {
		r.overlapped.Store(true)
	}
}

func (r *recorder) leave() {
	r.inFlight.Add(-1)
}

func (r *recorder) WriteHeader() error {
	r.enter()
	defer r.leave()
	r.headers++
	return nil
}

func (r *recorder) WritePacket(pkt *format.Packet) error {
	r.enter()
	defer r.leave()
	// widen the window in which a concurrent write would be noticed
	time.Sleep(10 * time.Microsecond)
	if r.failWith != nil {
		return r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pkt
	cp.Data = bytes.Clone(pkt.Data)
	r.packets = append(r.packets, cp)
	return nil
}

func (r *recorder) WriteTrailer() error {
	r.enter()
	defer r.leave()
	r.trailers++
	return nil
}

func (r *recorder) Flush() error {
	r.flushes++
	return nil
}

func (r *recorder) streamPackets(index int) []format.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []format.Packet
	for _, pkt := range r.packets {
		if pkt.StreamIndex == index {
			out = append(out, pkt)
		}
	}
	return out
}

// registerRecorder registers a file-less container backed by a fresh recorder.
// Video runs on a millisecond clock, audio on its sample rate.
func registerRecorder(t *testing.T) (string, *recorder) {
	t.Helper()
	name := "rec-" + strings.ReplaceAll(t.Name(), "/", "-")
	p := &recorder{}
	format.Register(&format.OutputFormat{
		Name:   name,
		Flags:  format.FlagNoFile | format.FlagGlobalHeader,
		Codecs: []format.CodecID{format.CodecH264, format.CodecAAC},
		Options: []format.Option{
			{Name: "mode", Type: format.OptionString, Default: "fast"},
			{Name: "level", Type: format.OptionInt, Default: "1"},
		},
		TimeBase: func(par *format.CodecParameters) format.Rational {
			if par.MediaType == format.MediaTypeAudio {
				return format.Rational{Num: 1, Den: int64(par.SampleRate)}
			}
			return format.Millisecond
		},
		NewWriter: func(*format.Context) (format.Writer, error) {
			return p, nil
		},
	})
	return name, p
}

func newRecordedSession(t *testing.T, withAudio bool) (*Muxer, *recorder) {
	t.Helper()
	name, p := registerRecorder(t)
	m := New(name, "rec://"+t.Name(), WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(1280, 720, videoHeader(), nil))
	if withAudio {
		require.NoError(t, m.AddAudioStream(testASC, 48000, ChannelLayoutStereo, 2, 128000))
	}
	require.NoError(t, m.WriteHeader())
	return m, p
}

func TestLifecycle(t *testing.T) {
	m, p := newRecordedSession(t, true)
	assert.Equal(t, StateHeaderWritten, m.State())
	assert.Len(t, m.ID(), 8)
	assert.Equal(t, 1, p.headers)

	require.NoError(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testIDR}), 0, 0, true))
	require.NoError(t, m.WriteAudioFrame(testAACFrame, 0))
	require.NoError(t, m.Close())

	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, p.trailers)
	assert.Len(t, p.packets, 2)
}

func TestWriteBeforeHeader(t *testing.T) {
	name, p := registerRecorder(t)
	m := New(name, "rec://x", WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(640, 480, videoHeader(), nil))

	err := m.WriteVideoFrame([]byte{0, 0, 0, 1, 0x65}, 0, 0, true)
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.ErrorIs(t, m.WriteAudioFrame(testAACFrame, 0), ErrNotWritable)
	assert.ErrorIs(t, m.Flush(), ErrNotWritable)
	assert.Equal(t, StateOpened, m.State())

	require.NoError(t, m.WriteHeader())
	assert.Equal(t, StateHeaderWritten, m.State())
	assert.Empty(t, p.packets)
	require.NoError(t, m.Close())
}

func TestMisuseOutOfOrder(t *testing.T) {
	name, _ := registerRecorder(t)
	m := New(name, "rec://x", WithLogger(quietLogger()))

	assert.ErrorIs(t, m.AddVideoStream(640, 480, videoHeader(), nil), ErrNotOpen)
	assert.ErrorIs(t, m.SetMetadata("title", "x"), ErrNotOpen)
	assert.ErrorIs(t, m.WriteHeader(), ErrNotOpen)

	require.NoError(t, m.Open(nil))
	assert.Error(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(640, 480, videoHeader(), nil))
	assert.ErrorIs(t, m.AddVideoStream(640, 480, videoHeader(), nil), ErrStreamExists)
	require.NoError(t, m.AddAudioStream(testASC, 48000, ChannelLayoutStereo, 2, 0))
	assert.ErrorIs(t, m.AddAudioStream(testASC, 48000, ChannelLayoutStereo, 2, 0), ErrStreamExists)

	require.NoError(t, m.WriteHeader())
	assert.ErrorIs(t, m.WriteHeader(), ErrHeaderWritten)
	assert.ErrorIs(t, m.AddAudioStream(testASC, 48000, ChannelLayoutStereo, 2, 0), ErrHeaderWritten)
	assert.ErrorIs(t, m.SetMetadata("title", "x"), ErrHeaderWritten)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Open(nil), ErrClosed)
	assert.ErrorIs(t, m.WriteHeader(), ErrClosed)
	err := m.WriteAudioFrame(testAACFrame, 0)
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteWithoutStream(t *testing.T) {
	m, _ := newRecordedSession(t, false)
	defer m.Close()
	assert.ErrorIs(t, m.WriteAudioFrame(testAACFrame, 0), ErrNoStream)
}

func TestDoubleClose(t *testing.T) {
	m, p := newRecordedSession(t, false)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, p.trailers)
}

func TestCloseWithoutHeader(t *testing.T) {
	name, p := registerRecorder(t)
	m := New(name, "rec://x", WithLogger(quietLogger()))
	require.NoError(t, m.Close(), "closing a fresh session is allowed")

	m = New(name, "rec://x", WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(640, 480, videoHeader(), nil))
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.Zero(t, p.trailers)
}

func TestVideoDurations(t *testing.T) {
	m, p := newRecordedSession(t, false)

	frame := h264.JoinAnnexB([][]byte{testPFrame})
	for _, pts := range []int64{1000, 1040, 1080} {
		require.NoError(t, m.WriteVideoFrame(frame, pts, pts, false))
	}
	require.NoError(t, m.Close())

	pkts := p.streamPackets(0)
	require.Len(t, pkts, 3)
	var durations, ptss []int64
	for _, pkt := range pkts {
		durations = append(durations, pkt.Duration)
		ptss = append(ptss, pkt.PTS)
	}
	assert.Equal(t, []int64{0, 40, 40}, durations)
	assert.Equal(t, []int64{1000, 1040, 1080}, ptss)
}

func TestAudioTimestamps(t *testing.T) {
	m, p := newRecordedSession(t, true)

	require.NoError(t, m.WriteAudioFrame(testAACFrame, 1000))
	require.NoError(t, m.WriteAudioFrame(testAACFrame, 1021))
	require.NoError(t, m.Close())

	pkts := p.streamPackets(1)
	require.Len(t, pkts, 2)
	assert.Equal(t, int64(48000), pkts[0].PTS)
	assert.Equal(t, pkts[0].PTS, pkts[0].DTS)
	assert.Equal(t, int64(1024), pkts[0].Duration)
	// 1021 ms at 48 kHz is 49008 samples
	assert.Equal(t, int64(49008), pkts[1].PTS)
	assert.True(t, pkts[1].Key)
}

func TestAudioDefaults(t *testing.T) {
	name, _ := registerRecorder(t)
	m := New(name, "rec://x", WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddAudioStream(nil, 0, 0, 0, 0))

	par := m.audio.Codec
	assert.Equal(t, 44100, par.SampleRate)
	assert.Equal(t, ChannelLayoutMono, par.ChannelLayout)
	assert.Equal(t, 1, par.Channels)
	assert.Equal(t, int64(64000), par.BitRate)
	assert.Equal(t, format.SampleFormatS16, par.SampleFormat)
	assert.True(t, par.GlobalHeader)
	assert.Equal(t, format.Rational{Num: 1, Den: 44100}, m.audio.TimeBase)
	require.NoError(t, m.Close())
}

func TestAddVideoStreamCopiesHeader(t *testing.T) {
	name, _ := registerRecorder(t)
	m := New(name, "rec://x", WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))

	header := videoHeader()
	want := bytes.Clone(header)
	require.NoError(t, m.AddVideoStream(1920, 1080, header, map[string]string{"rotate": "90"}))
	header[4] = 0xFF

	par := m.video.Codec
	assert.Equal(t, want, par.Extradata)
	assert.Equal(t, 1920, par.Width)
	assert.Equal(t, 1080, par.Height)
	assert.Equal(t, format.PixelFormatYUV420P, par.PixelFormat)
	assert.Equal(t, "90", m.video.Metadata["rotate"])
	require.NoError(t, m.Close())
}

func TestOpenOptionsBestEffort(t *testing.T) {
	name, _ := registerRecorder(t)
	m := New(name, "rec://x", WithLogger(quietLogger()))
	require.NoError(t, m.Open(map[string]string{
		"mode":    "slow",
		"level":   "not-a-number",
		"unknown": "1",
	}))

	assert.Equal(t, "slow", m.ctx.OptionString("mode"))
	assert.Equal(t, 1, m.ctx.OptionInt("level"))
	assert.NotZero(t, m.ctx.Flags&format.FlagAllowFlush)
	require.NoError(t, m.Close())
}

func TestOpenUnknownFormat(t *testing.T) {
	m := New("no-such-format", "out.nothing", WithLogger(quietLogger()))
	err := m.Open(nil)
	assert.ErrorIs(t, err, format.ErrUnknownFormat)
	assert.Equal(t, StateClosed, m.State())
}

func TestKeyFrameDetectedFromPayload(t *testing.T) {
	m, p := newRecordedSession(t, false)

	require.NoError(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testIDR}), 0, 0, false))
	require.NoError(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testPFrame}), 40, 40, false))
	require.NoError(t, m.Close())

	pkts := p.streamPackets(0)
	require.Len(t, pkts, 2)
	assert.True(t, pkts[0].Key)
	assert.False(t, pkts[1].Key)
}

func TestWriteVideoFrameWithMetadata(t *testing.T) {
	m, p := newRecordedSession(t, false)

	frame := h264.JoinAnnexB([][]byte{testIDR})
	meta := []byte(`{"lat":31.2,"lng":121.5}`)
	require.NoError(t, m.WriteVideoFrameWithMetadata(frame, meta, 0, 0, true))
	require.NoError(t, m.Close())

	pkts := p.streamPackets(0)
	require.Len(t, pkts, 1)
	sei, err := ConstructSEI(meta)
	require.NoError(t, err)
	assert.Equal(t, append(sei, frame...), pkts[0].Data)

	got, err := h264.ParseSEI(pkts[0].Data[:len(sei)])
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestWriteVideoFrameWithMetadataTooLarge(t *testing.T) {
	m, p := newRecordedSession(t, false)
	defer m.Close()

	err := m.WriteVideoFrameWithMetadata(h264.JoinAnnexB([][]byte{testIDR}), make([]byte, 240), 0, 0, true)
	assert.ErrorIs(t, err, h264.ErrSEIPayloadTooLarge)
	assert.Empty(t, p.packets)
	assert.False(t, m.videoSeen, "a rejected frame leaves the duration state untouched")
}

func TestNilVideoFrameFlushes(t *testing.T) {
	m, p := newRecordedSession(t, false)

	require.NoError(t, m.WriteVideoFrame(nil, 0, 0, false))
	require.NoError(t, m.Flush())
	assert.Equal(t, 2, p.flushes)
	assert.Empty(t, p.packets)
	assert.False(t, m.videoSeen)
	require.NoError(t, m.Close())
}

func TestWriteErrorIsNotFatal(t *testing.T) {
	m, p := newRecordedSession(t, false)
	p.failWith = assert.AnError

	err := m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testIDR}), 0, 0, true)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateHeaderWritten, m.State())

	p.failWith = nil
	require.NoError(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testPFrame}), 40, 40, false))
	require.NoError(t, m.Close())
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	m, p := newRecordedSession(t, true)

	const frames = 200
	var g errgroup.Group
	g.Go(func() error {
		frame := h264.JoinAnnexB([][]byte{testPFrame})
		for i := range int64(frames) {
			if err := m.WriteVideoFrame(frame, i*40, i*40, i == 0); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := range int64(frames) {
			if err := m.WriteAudioFrame(testAACFrame, i*21); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.NoError(t, m.Close())

	assert.False(t, p.overlapped.Load(), "container writes overlapped")
	assert.Len(t, p.streamPackets(0), frames)
	assert.Len(t, p.streamPackets(1), frames)
}

func TestInterrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.h264")
	m := New("h264", path, WithLogger(quietLogger()), WithBufferSize(1))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(640, 480, videoHeader(), nil))
	require.NoError(t, m.WriteHeader())

	m.Interrupt()
	m.Interrupt()
	err := m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testIDR}), 0, 0, true)
	assert.ErrorIs(t, err, avio.ErrInterrupted)
	assert.Equal(t, StateHeaderWritten, m.State())
	assert.NoError(t, m.Close())
}

func TestWriteHeaderFailureClosesSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.mp4")
	m := New("", path, WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))
	// no parameter sets in the header
	require.NoError(t, m.AddVideoStream(640, 480, nil, nil))

	assert.Error(t, m.WriteHeader())
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testIDR}), 0, 0, true), ErrClosed)
	assert.NoError(t, m.Close())
}

func TestNullFormat(t *testing.T) {
	m := New("null", "", WithLogger(quietLogger()))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(640, 480, videoHeader(), nil))
	require.NoError(t, m.AddAudioStream(testASC, 48000, ChannelLayoutStereo, 2, 0))
	require.NoError(t, m.WriteHeader())
	for i := range int64(10) {
		require.NoError(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{testPFrame}), i*40, i*40, i == 0))
		require.NoError(t, m.WriteAudioFrame(testAACFrame, i*21))
	}
	require.NoError(t, m.Close())
}

func TestMP4File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips", "out.mp4")
	m := New("", path, WithLogger(quietLogger()), WithMaxInterleaveDelta(time.Second))
	require.NoError(t, m.Open(map[string]string{"frag_keyframe": "true"}))
	require.NoError(t, m.SetMetadata("title", "test clip"))
	require.NoError(t, m.AddVideoStream(1920, 1080, videoHeader(), nil))
	require.NoError(t, m.AddAudioStream(testASC, 48000, ChannelLayoutStereo, 2, 128000))
	require.NoError(t, m.WriteHeader())

	for i := range int64(50) {
		key := i%25 == 0
		nalu := testPFrame
		if key {
			nalu = testIDR
		}
		require.NoError(t, m.WriteVideoFrame(h264.JoinAnnexB([][]byte{nalu}), i*40, i*40, key))
		require.NoError(t, m.WriteAudioFrame(testAACFrame, i*42))
		require.NoError(t, m.WriteAudioFrame(testAACFrame, i*42+21))
	}
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]))

	var boxes []string
	for b := data; len(b) >= 8; {
		size := int(binary.BigEndian.Uint32(b))
		require.GreaterOrEqual(t, size, 8)
		require.LessOrEqual(t, size, len(b))
		boxes = append(boxes, string(b[4:8]))
		b = b[size:]
	}
	assert.Contains(t, boxes, "moov")
	assert.Contains(t, boxes, "moof")
	assert.Contains(t, boxes, "mdat")
}

func TestWebMInterruptWhilePeerStalls(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	m := New("webm", "tcp://"+ln.Addr().String(), WithLogger(quietLogger()), WithPollInterval(10*time.Millisecond))
	require.NoError(t, m.Open(nil))
	require.NoError(t, m.AddVideoStream(640, 480, videoHeader(), nil))
	require.NoError(t, m.WriteHeader())
	peer := <-accepted
	defer peer.Close()

	// the peer never reads, so the socket buffers fill and a push stalls
	frame := h264.JoinAnnexB([][]byte{append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 1<<20)...)})
	errc := make(chan error, 1)
	go func() {
		for i := int64(0); ; i++ {
			if err := m.WriteVideoFrame(frame, i*40, i*40, true); err != nil {
				errc <- err
				return
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	m.Interrupt()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, avio.ErrInterrupted)
	case <-time.After(10 * time.Second):
		t.Fatal("webm push still blocked after Interrupt")
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked after an interrupted push")
	}
	assert.Equal(t, StateClosed, m.State())
}
