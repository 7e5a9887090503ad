// Package flac decodes flac files.
package flac

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tphakala/flac"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/signal"
)

// Codec decodes flac files.
var Codec = phonograph.CodecFunc(Decode)

// Decoder reads frames of flac stream. Flac frames are decoded whole and
// served in parts.
type Decoder struct {
	r          io.ReadSeeker
	dec        *flac.Decoder
	format     phonograph.Format
	bitDepth   signal.BitDepth
	frameBytes int
	length     uint64
	pending    []byte
	ints       []int
}

// Decode reads flac stream info and returns decoder.
func Decode(r io.ReadSeeker) (phonograph.Decoder, error) {
	dec, err := flac.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", phonograph.ErrInvalidFormat, err)
	}
	bitDepth := signal.BitDepth(dec.BitsPerSample)
	if !bitDepth.Valid() {
		return nil, fmt.Errorf("%w: %d bit flac", phonograph.ErrUnsupportedFormat, dec.BitsPerSample)
	}
	d := Decoder{
		r:        r,
		dec:      dec,
		bitDepth: bitDepth,
		format: phonograph.Format{
			SampleFormat: phonograph.SampleFormatOf(int(dec.BitsPerSample)),
			Channels:     int(dec.NChannels),
			SampleRate:   int(dec.SampleRate),
		},
		length: uint64(dec.TotalSamples),
	}
	if err := d.format.Validate(); err != nil {
		return nil, err
	}
	d.frameBytes = d.format.Channels * int(bitDepth) / 8
	return &d, nil
}

// Format returns format of the stream.
func (d *Decoder) Format() phonograph.Format {
	return d.format
}

// Length returns number of frames from stream info. Zero means unknown.
func (d *Decoder) Length() (uint64, bool) {
	return d.length, d.length > 0
}

// Read decodes frames into dst.
func (d *Decoder) Read(dst []float32) (int, error) {
	channels := d.format.Channels
	frames := len(dst) / channels
	var read int
	for read < frames {
		if len(d.pending) == 0 {
			buf, err := d.dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				if read > 0 {
					return read, nil
				}
				return 0, err
			}
			d.pending = buf
			continue
		}
		n := min(frames-read, len(d.pending)/d.frameBytes)
		if n == 0 {
			// incomplete trailing frame
			d.pending = nil
			continue
		}
		d.decode(dst[read*channels:(read+n)*channels], d.pending[:n*d.frameBytes])
		d.pending = d.pending[n*d.frameBytes:]
		read += n
	}
	if read == 0 && frames > 0 {
		return 0, io.EOF
	}
	return read, nil
}

func (d *Decoder) decode(dst []float32, b []byte) {
	width := int(d.bitDepth) / 8
	samples := len(b) / width
	if cap(d.ints) < samples {
		d.ints = make([]int, samples)
	}
	ints := d.ints[:samples]
	for i := range ints {
		s := b[i*width:]
		switch d.bitDepth {
		case signal.BitDepth8:
			// flac samples are signed
			ints[i] = int(int8(s[0])) + 128
		case signal.BitDepth16:
			ints[i] = int(int16(binary.LittleEndian.Uint16(s)))
		case signal.BitDepth24:
			ints[i] = int(int32(uint32(s[0])|uint32(s[1])<<8|uint32(s[2])<<16)<<8) >> 8
		case signal.BitDepth32:
			ints[i] = int(int32(binary.LittleEndian.Uint32(s)))
		}
	}
	signal.FloatsFromInts(dst, ints, d.bitDepth)
}

// Seek restarts decoding and skips frames up to the target.
func (d *Decoder) Seek(frame uint64) error {
	if d.length > 0 && frame > d.length {
		return fmt.Errorf("%w: frame %d of %d", phonograph.ErrBadSeek, frame, d.length)
	}
	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dec, err := flac.NewDecoder(d.r)
	if err != nil {
		return err
	}
	d.dec = dec
	d.pending = nil
	for skip := frame; skip > 0; {
		if len(d.pending) == 0 {
			buf, err := d.dec.Next()
			if err == io.EOF {
				return fmt.Errorf("%w: frame %d is beyond the end", phonograph.ErrBadSeek, frame)
			}
			if err != nil {
				return err
			}
			d.pending = buf
		}
		n := min(skip, uint64(len(d.pending)/d.frameBytes))
		if n == 0 {
			d.pending = nil
			continue
		}
		d.pending = d.pending[n*uint64(d.frameBytes):]
		skip -= n
	}
	return nil
}

// Close does nothing, the reader is owned by the caller.
func (d *Decoder) Close() error {
	return nil
}
