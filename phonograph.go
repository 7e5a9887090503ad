package phonograph

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/xid"
)

// SampleFormat is the format of a single sample as it's stored by the
// source. All processing is done in float32.
type SampleFormat uint8

const (
	// FormatUnknown is a zero value.
	FormatUnknown SampleFormat = iota
	// FormatU8 is unsigned 8-bit.
	FormatU8
	// FormatS16 is signed 16-bit.
	FormatS16
	// FormatS24 is signed 24-bit.
	FormatS24
	// FormatS32 is signed 32-bit.
	FormatS32
	// FormatF32 is 32-bit float.
	FormatF32
)

// SampleFormatOf returns sample format for int bit depth.
func SampleFormatOf(bitDepth int) SampleFormat {
	switch bitDepth {
	case 8:
		return FormatU8
	case 16:
		return FormatS16
	case 24:
		return FormatS24
	case 32:
		return FormatS32
	}
	return FormatUnknown
}

// BitDepth returns number of bits per sample.
func (f SampleFormat) BitDepth() int {
	switch f {
	case FormatU8:
		return 8
	case FormatS16:
		return 16
	case FormatS24:
		return 24
	case FormatS32, FormatF32:
		return 32
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16:
		return "s16"
	case FormatS24:
		return "s24"
	case FormatS32:
		return "s32"
	case FormatF32:
		return "f32"
	}
	return "unknown"
}

// MaxChannels is the maximum number of channels in a frame.
const MaxChannels = 254

// Format describes PCM data.
type Format struct {
	SampleFormat
	Channels   int
	SampleRate int
}

// Validate returns ErrInvalidFormat if format cannot be processed.
func (f Format) Validate() error {
	if f.Channels <= 0 || f.Channels > MaxChannels || f.SampleRate <= 0 {
		return fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidFormat, f.Channels, f.SampleRate)
	}
	return nil
}

// Frames returns number of frames in interleaved buffer of this format.
func (f Format) Frames(buf []float32) int {
	if f.Channels == 0 {
		return 0
	}
	return len(buf) / f.Channels
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dch %dHz", f.SampleFormat, f.Channels, f.SampleRate)
}

// Decoder produces interleaved float32 PCM frames.
//
// Read fills dst with up to len(dst)/channels frames and returns number of
// frames read. When there is no more data, Read returns 0 and io.EOF.
// Decoders are not safe for concurrent use.
type Decoder interface {
	Format() Format
	Read(dst []float32) (int, error)
	Seek(frame uint64) error
	// Length returns total number of frames if it's known.
	Length() (uint64, bool)
	Close() error
}

// Codec creates decoders for an encoded stream.
type Codec interface {
	Decode(io.ReadSeeker) (Decoder, error)
}

// CodecFunc is a function that implements Codec.
type CodecFunc func(io.ReadSeeker) (Decoder, error)

// Decode calls f(r).
func (f CodecFunc) Decode(r io.ReadSeeker) (Decoder, error) {
	return f(r)
}

// Codecs maps file extensions to codecs. Extensions are lower-case and
// include the leading dot.
type Codecs map[string]Codec

// Lookup returns codec for the file name.
func (c Codecs) Lookup(name string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if codec, ok := c[ext]; ok {
		return codec, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// DataSource is a seekable stream of PCM frames. Read returns ErrBusy when
// data isn't loaded yet and io.EOF when there is no more data.
type DataSource interface {
	Format() Format
	Read(dst []float32) (int, error)
	Seek(frame uint64) error
	Cursor() uint64
	Length() (uint64, bool)
}

// NewUID returns new unique id value.
func NewUID() string {
	return xid.New().String()
}
