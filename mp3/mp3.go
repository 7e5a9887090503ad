// Package mp3 decodes and encodes mp3 files.
package mp3

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/viert/lame"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/graph"
	"github.com/dudk/phonograph/signal"
)

// decoded frames are always 16 bit stereo
const (
	channels   = 2
	frameBytes = 4
)

// Codec decodes mp3 files.
var Codec = phonograph.CodecFunc(Decode)

// Decoder reads frames of mp3 file.
type Decoder struct {
	dec    *mp3.Decoder
	format phonograph.Format
	buf    []byte
	ints   []int
}

// Decode returns decoder for mp3 stream. Decoded data is always stereo.
func Decode(r io.ReadSeeker) (phonograph.Decoder, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", phonograph.ErrInvalidFormat, err)
	}
	return &Decoder{
		dec: dec,
		format: phonograph.Format{
			SampleFormat: phonograph.FormatS16,
			Channels:     channels,
			SampleRate:   dec.SampleRate(),
		},
	}, nil
}

// Format returns format of decoded frames.
func (d *Decoder) Format() phonograph.Format {
	return d.format
}

// Length returns number of frames if the source is seekable.
func (d *Decoder) Length() (uint64, bool) {
	if l := d.dec.Length(); l >= 0 {
		return uint64(l / frameBytes), true
	}
	return 0, false
}

// Read decodes frames into dst.
func (d *Decoder) Read(dst []float32) (int, error) {
	frames := len(dst) / channels
	if frames == 0 {
		return 0, nil
	}
	size := frames * frameBytes
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
		d.ints = make([]int, frames*channels)
	}
	n, err := io.ReadFull(d.dec, d.buf[:size])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, err
	}
	frames = n / frameBytes
	if frames == 0 {
		return 0, io.EOF
	}
	ints := d.ints[:frames*channels]
	for i := range ints {
		ints[i] = int(int16(binary.LittleEndian.Uint16(d.buf[2*i:])))
	}
	signal.FloatsFromInts(dst, ints, signal.BitDepth16)
	return frames, nil
}

// Seek moves decoder to the frame.
func (d *Decoder) Seek(frame uint64) error {
	if l, ok := d.Length(); ok && frame > l {
		return fmt.Errorf("%w: frame %d of %d", phonograph.ErrBadSeek, frame, l)
	}
	_, err := d.dec.Seek(int64(frame)*frameBytes, io.SeekStart)
	return err
}

// Close does nothing, the reader is owned by the caller.
func (d *Decoder) Close() error {
	return nil
}

// Sink encodes frames that flow through it with lame.
type Sink struct {
	wr       *lame.LameWriter
	channels int
	ints     []int
	buf      []byte
	frames   uint64
	err      error
}

// NewSink creates a sink that writes mp3 into w. Mono and stereo input is
// supported.
func NewSink(w io.Writer, sampleRate, channels, bitRate, quality int) (*Sink, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: %d channels mp3", phonograph.ErrUnsupportedFormat, channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz", phonograph.ErrInvalidArgs, sampleRate)
	}
	wr := lame.NewWriter(w)
	wr.Encoder.SetBitrate(bitRate)
	wr.Encoder.SetQuality(quality)
	wr.Encoder.SetNumChannels(channels)
	wr.Encoder.SetInSamplerate(sampleRate)
	if channels == 1 {
		wr.Encoder.SetMode(lame.MONO)
	} else {
		wr.Encoder.SetMode(lame.JOINT_STEREO)
	}
	wr.Encoder.SetVBR(lame.VBR_RH)
	wr.Encoder.InitParams()
	return &Sink{
		wr:       wr,
		channels: channels,
	}, nil
}

// Write encodes interleaved samples. Once the encoder fails, the error is
// returned by every following call.
func (s *Sink) Write(samples []float32) error {
	if s.err != nil {
		return s.err
	}
	if cap(s.ints) < len(samples) {
		s.ints = make([]int, len(samples))
		s.buf = make([]byte, 2*len(samples))
	}
	ints := s.ints[:len(samples)]
	signal.IntsFromFloats(ints, samples, signal.BitDepth16)
	buf := s.buf[:2*len(ints)]
	for i, v := range ints {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
	}
	if _, s.err = s.wr.Write(buf); s.err != nil {
		return s.err
	}
	s.frames += uint64(len(samples) / s.channels)
	return nil
}

// Process encodes input frames and copies them to the output. Encoder
// errors are returned by Close.
func (s *Sink) Process(in [][]float32, inFrames int, out [][]float32, outFrames int) (int, int) {
	frames := min(inFrames, outFrames)
	samples := in[0][:frames*s.channels]
	copy(out[0], samples)
	_ = s.Write(samples)
	return frames, frames
}

// Node creates a graph node of the sink with silent output.
func (s *Sink) Node(g *graph.Graph) (*graph.Node, error) {
	return graph.NewNode(g, graph.NodeConfig{
		InputChannels:  []int{s.channels},
		OutputChannels: []int{s.channels},
		Flags:          graph.SilentOutput,
	}, s)
}

// Frames returns number of encoded frames.
func (s *Sink) Frames() uint64 {
	return s.frames
}

// Close flushes the encoder. The writer is not closed.
func (s *Sink) Close() error {
	if err := s.wr.Close(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}
