// Package wav decodes and encodes wav files.
package wav

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/graph"
	"github.com/dudk/phonograph/signal"
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// Codec decodes wav files.
var Codec = phonograph.CodecFunc(Decode)

// Decoder reads PCM frames of wav file.
type Decoder struct {
	r          io.ReadSeeker
	dec        *wav.Decoder
	format     phonograph.Format
	bitDepth   signal.BitDepth
	float      bool
	blockAlign int
	length     uint64
	buf        audio.IntBuffer
	part       audio.IntBuffer
}

// Decode reads wav headers and returns decoder positioned at the first
// frame.
func Decode(r io.ReadSeeker) (phonograph.Decoder, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", phonograph.ErrInvalidFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", phonograph.ErrInvalidFormat, err)
	}
	bitDepth := signal.BitDepth(dec.BitDepth)
	if !bitDepth.Valid() {
		return nil, fmt.Errorf("%w: %d bit wav", phonograph.ErrUnsupportedFormat, dec.BitDepth)
	}
	d := Decoder{
		r:        r,
		dec:      dec,
		bitDepth: bitDepth,
		format: phonograph.Format{
			SampleFormat: phonograph.SampleFormatOf(int(dec.BitDepth)),
			Channels:     int(dec.NumChans),
			SampleRate:   int(dec.SampleRate),
		},
	}
	switch dec.WavAudioFormat {
	case formatPCM:
	case formatFloat:
		if bitDepth != signal.BitDepth32 {
			return nil, fmt.Errorf("%w: %d bit float wav", phonograph.ErrUnsupportedFormat, dec.BitDepth)
		}
		d.float = true
		d.format.SampleFormat = phonograph.FormatF32
	default:
		return nil, fmt.Errorf("%w: wav audio format %d", phonograph.ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	if err := d.format.Validate(); err != nil {
		return nil, err
	}
	d.blockAlign = d.format.Channels * int(bitDepth) / 8
	d.length = uint64(dec.PCMSize / d.blockAlign)
	d.buf.Format = dec.Format()
	d.buf.SourceBitDepth = int(dec.BitDepth)
	d.part = d.buf
	return &d, nil
}

// Format returns format of the file.
func (d *Decoder) Format() phonograph.Format {
	return d.format
}

// Length returns number of frames in the data chunk.
func (d *Decoder) Length() (uint64, bool) {
	return d.length, true
}

// Read decodes frames into dst.
func (d *Decoder) Read(dst []float32) (int, error) {
	channels := d.format.Channels
	samples := d.format.Frames(dst) * channels
	if samples == 0 {
		return 0, nil
	}
	if cap(d.buf.Data) < samples {
		d.buf.Data = make([]int, samples)
	}
	data := d.buf.Data[:samples]
	var read int
	for {
		d.part.Data = data[read:]
		n, err := d.dec.PCMBuffer(&d.part)
		if err != nil {
			return 0, err
		}
		read += n
		// partial frame is completed by the next read
		if n == 0 || read%channels == 0 {
			break
		}
	}
	frames := read / channels
	if frames == 0 {
		return 0, io.EOF
	}
	data = data[:frames*channels]
	if d.float {
		for i, v := range data {
			dst[i] = math.Float32frombits(uint32(v))
		}
	} else {
		signal.FloatsFromInts(dst, data, d.bitDepth)
	}
	return frames, nil
}

// Seek moves the decoder to the frame. The headers are parsed again and
// the data chunk is skipped up to the frame.
func (d *Decoder) Seek(frame uint64) error {
	if frame > d.length {
		return fmt.Errorf("%w: frame %d of %d", phonograph.ErrBadSeek, frame, d.length)
	}
	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	d.dec = wav.NewDecoder(d.r)
	if err := d.dec.FwdToPCM(); err != nil {
		return err
	}
	_, err := io.CopyN(io.Discard, d.dec.PCMChunk, int64(frame)*int64(d.blockAlign))
	return err
}

// Close does nothing, the reader is owned by the caller.
func (d *Decoder) Close() error {
	return nil
}

// Sink encodes frames that flow through it into wav file.
type Sink struct {
	enc      *wav.Encoder
	bitDepth signal.BitDepth
	channels int
	buf      audio.IntBuffer
	frames   uint64
	err      error
}

// NewSink creates a sink that writes PCM wav into w.
func NewSink(w io.WriteSeeker, sampleRate, channels int, bitDepth signal.BitDepth) (*Sink, error) {
	if !bitDepth.Valid() {
		return nil, fmt.Errorf("%w: %d bit wav", phonograph.ErrUnsupportedFormat, bitDepth)
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", phonograph.ErrInvalidArgs, channels, sampleRate)
	}
	return &Sink{
		enc:      wav.NewEncoder(w, sampleRate, int(bitDepth), channels, formatPCM),
		bitDepth: bitDepth,
		channels: channels,
		buf: audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: channels,
				SampleRate:  sampleRate,
			},
			SourceBitDepth: int(bitDepth),
		},
	}, nil
}

// Write encodes interleaved samples. Once the encoder fails, the error is
// returned by every following call.
func (s *Sink) Write(samples []float32) error {
	if s.err != nil {
		return s.err
	}
	if cap(s.buf.Data) < len(samples) {
		s.buf.Data = make([]int, len(samples))
	}
	s.buf.Data = s.buf.Data[:len(samples)]
	signal.IntsFromFloats(s.buf.Data, samples, s.bitDepth)
	if s.err = s.enc.Write(&s.buf); s.err != nil {
		return s.err
	}
	s.frames += uint64(len(samples) / s.channels)
	return nil
}

// Process writes input frames and copies them to the output. Encoder
// errors are returned by Close.
func (s *Sink) Process(in [][]float32, inFrames int, out [][]float32, outFrames int) (int, int) {
	frames := min(inFrames, outFrames)
	samples := in[0][:frames*s.channels]
	copy(out[0], samples)
	_ = s.Write(samples)
	return frames, frames
}

// Node creates a graph node of the sink. Its output is silent, so the sink
// can be attached to the endpoint without being heard.
func (s *Sink) Node(g *graph.Graph) (*graph.Node, error) {
	return graph.NewNode(g, graph.NodeConfig{
		InputChannels:  []int{s.channels},
		OutputChannels: []int{s.channels},
		Flags:          graph.SilentOutput,
	}, s)
}

// Frames returns number of written frames.
func (s *Sink) Frames() uint64 {
	return s.frames
}

// Close finalizes wav headers. The writer is not closed.
func (s *Sink) Close() error {
	if err := s.enc.Close(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}
