// Package vorbis decodes ogg vorbis files.
package vorbis

import (
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"

	"github.com/dudk/phonograph"
)

// Codec decodes ogg vorbis files.
var Codec = phonograph.CodecFunc(Decode)

// Decoder reads frames of ogg vorbis stream.
type Decoder struct {
	dec    *oggvorbis.Reader
	format phonograph.Format
}

// Decode reads vorbis headers and returns decoder.
func Decode(r io.ReadSeeker) (phonograph.Decoder, error) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", phonograph.ErrInvalidFormat, err)
	}
	d := Decoder{
		dec: dec,
		format: phonograph.Format{
			SampleFormat: phonograph.FormatF32,
			Channels:     dec.Channels(),
			SampleRate:   dec.SampleRate(),
		},
	}
	if err := d.format.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Format returns format of the stream.
func (d *Decoder) Format() phonograph.Format {
	return d.format
}

// Length returns number of frames. It's unknown if the stream is not
// seekable.
func (d *Decoder) Length() (uint64, bool) {
	if l := d.dec.Length(); l > 0 {
		return uint64(l), true
	}
	return 0, false
}

// Read decodes frames into dst.
func (d *Decoder) Read(dst []float32) (int, error) {
	samples := d.format.Frames(dst) * d.format.Channels
	if samples == 0 {
		return 0, nil
	}
	n, err := d.dec.Read(dst[:samples])
	frames := n / d.format.Channels
	if frames > 0 {
		return frames, nil
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

// Seek moves the decoder to the frame.
func (d *Decoder) Seek(frame uint64) error {
	if l, ok := d.Length(); ok && frame > l {
		return fmt.Errorf("%w: frame %d of %d", phonograph.ErrBadSeek, frame, l)
	}
	return d.dec.SetPosition(int64(frame))
}

// Close does nothing, the reader is owned by the caller.
func (d *Decoder) Close() error {
	return nil
}
