// Package mock provides mocks for decoders, data sources and graph
// processors and allows to execute integration tests.
package mock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/dudk/phonograph"
)

// Encode serializes interleaved samples into the format understood by
// Codec: little-endian float32 values.
func Encode(samples []float32) []byte {
	b := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// Ramp returns interleaved samples where every sample has a unique value.
func Ramp(frames, channels int) []float32 {
	s := make([]float32, frames*channels)
	for i := range s {
		s[i] = float32(i%channels+1) + float32(i/channels)/float32(frames)
	}
	return s
}

// Codec decodes raw float32 data produced by Encode.
type Codec struct {
	Format phonograph.Format
	// UnknownLength hides the length from the consumers.
	UnknownLength bool
	// ErrorOnDecode is returned by Decode.
	ErrorOnDecode error
	// ErrorAfter makes decoder fail with ErrorOnRead once this many
	// frames were read.
	ErrorAfter  uint64
	ErrorOnRead error
	// Hold blocks reads after the first one until it's closed.
	Hold chan struct{}

	decodes atomic.Int32
}

// Decodes returns number of created decoders.
func (c *Codec) Decodes() int {
	return int(c.decodes.Load())
}

// Decode implements phonograph.Codec.
func (c *Codec) Decode(r io.ReadSeeker) (phonograph.Decoder, error) {
	c.decodes.Add(1)
	if c.ErrorOnDecode != nil {
		return nil, c.ErrorOnDecode
	}
	if err := c.Format.Validate(); err != nil {
		return nil, err
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return &Decoder{
		codec:  c,
		r:      r,
		format: c.Format,
		frames: uint64(size) / uint64(4*c.Format.Channels),
	}, nil
}

// Decoder reads raw float32 data.
type Decoder struct {
	codec  *Codec
	r      io.ReadSeeker
	format phonograph.Format
	frames uint64
	cursor uint64
	reads  int
	buf    []byte
	Closed bool
}

// Format implements phonograph.Decoder.
func (d *Decoder) Format() phonograph.Format {
	return d.format
}

// Read implements phonograph.Decoder.
func (d *Decoder) Read(dst []float32) (int, error) {
	if d.reads > 0 && d.codec.Hold != nil {
		<-d.codec.Hold
	}
	d.reads++
	frames := uint64(len(dst) / d.format.Channels)
	if left := d.frames - d.cursor; left < frames {
		frames = left
	}
	if d.codec.ErrorOnRead != nil && d.cursor+frames > d.codec.ErrorAfter {
		if d.cursor >= d.codec.ErrorAfter {
			return 0, d.codec.ErrorOnRead
		}
		frames = d.codec.ErrorAfter - d.cursor
	}
	if frames == 0 {
		return 0, io.EOF
	}
	size := int(frames) * d.format.Channels * 4
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	b := d.buf[:size]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return 0, fmt.Errorf("mock read: %w", err)
	}
	for i := range b[:size/4] {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	d.cursor += frames
	return int(frames), nil
}

// Seek implements phonograph.Decoder.
func (d *Decoder) Seek(frame uint64) error {
	if frame > d.frames {
		return phonograph.ErrBadSeek
	}
	if _, err := d.r.Seek(int64(frame)*int64(4*d.format.Channels), io.SeekStart); err != nil {
		return err
	}
	d.cursor = frame
	return nil
}

// Length implements phonograph.Decoder.
func (d *Decoder) Length() (uint64, bool) {
	if d.codec.UnknownLength {
		return 0, false
	}
	return d.frames, true
}

// Close implements phonograph.Decoder.
func (d *Decoder) Close() error {
	if d.Closed {
		return errors.New("decoder closed twice")
	}
	d.Closed = true
	return nil
}

// Source is a data source that returns a constant value.
type Source struct {
	Fmt   phonograph.Format
	Value float32
	// Limit is total number of frames. Zero means endless.
	Limit uint64
	// Busy makes reads return phonograph.ErrBusy.
	Busy atomic.Bool

	cursor atomic.Uint64
	reads  atomic.Int64
}

// Format implements phonograph.DataSource.
func (s *Source) Format() phonograph.Format {
	return s.Fmt
}

// Read implements phonograph.DataSource.
func (s *Source) Read(dst []float32) (int, error) {
	s.reads.Add(1)
	if s.Busy.Load() {
		return 0, phonograph.ErrBusy
	}
	frames := uint64(len(dst) / s.Fmt.Channels)
	cursor := s.cursor.Load()
	if s.Limit > 0 {
		if cursor >= s.Limit {
			return 0, io.EOF
		}
		frames = min(frames, s.Limit-cursor)
	}
	for i := range dst[:int(frames)*s.Fmt.Channels] {
		dst[i] = s.Value
	}
	s.cursor.Add(frames)
	return int(frames), nil
}

// Seek implements phonograph.DataSource.
func (s *Source) Seek(frame uint64) error {
	s.cursor.Store(frame)
	return nil
}

// Cursor implements phonograph.DataSource.
func (s *Source) Cursor() uint64 {
	return s.cursor.Load()
}

// Length implements phonograph.DataSource.
func (s *Source) Length() (uint64, bool) {
	return s.Limit, s.Limit > 0
}

// Reads returns number of Read calls.
func (s *Source) Reads() int {
	return int(s.reads.Load())
}
