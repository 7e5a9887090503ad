// Package signal provides helpers to manipulate interleaved float32
// signals. It allows to:
//	- mix and silence buffers
//	- convert number of channels
//	- convert bit depth for int signals
package signal

import (
	"math"
	"time"
)

const (
	// BitDepth8 is 8 bit depth. 8 bit samples are unsigned.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth24 is 24 bit depth.
	BitDepth24 = BitDepth(24)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// BitDepth contains values required for int-to-float and backward conversion.
type BitDepth int

// divider is used when int to float conversion is done.
func (bitDepth BitDepth) divider() float32 {
	switch bitDepth {
	case BitDepth8:
		return 128
	case BitDepth16:
		return -math.MinInt16
	case BitDepth24:
		return 1 << 23
	case BitDepth32:
		return -math.MinInt32
	default:
		return 1
	}
}

// bounds returns the range of int values for bit depth.
func (bitDepth BitDepth) bounds() (int, int) {
	switch bitDepth {
	case BitDepth8:
		return 0, math.MaxUint8
	case BitDepth16:
		return math.MinInt16, math.MaxInt16
	case BitDepth24:
		return -1 << 23, 1<<23 - 1
	case BitDepth32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt, math.MaxInt
	}
}

// Valid reports whether bit depth is supported.
func (bitDepth BitDepth) Valid() bool {
	switch bitDepth {
	case BitDepth8, BitDepth16, BitDepth24, BitDepth32:
		return true
	}
	return false
}

// FloatsFromInts converts int samples into floats in range [-1, 1).
// Returns number of converted samples.
func FloatsFromInts(dst []float32, src []int, bitDepth BitDepth) int {
	n := min(len(dst), len(src))
	divider := bitDepth.divider()
	if bitDepth == BitDepth8 {
		for i := 0; i < n; i++ {
			dst[i] = float32(src[i]-128) / divider
		}
		return n
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(src[i]) / divider
	}
	return n
}

// IntsFromFloats converts float samples into ints of provided bit depth.
// Values out of range are clipped. Returns number of converted samples.
func IntsFromFloats(dst []int, src []float32, bitDepth BitDepth) int {
	n := min(len(dst), len(src))
	lo, hi := bitDepth.bounds()
	multiplier := float64(bitDepth.divider())
	var offset int
	if bitDepth == BitDepth8 {
		offset = 128
	}
	for i := 0; i < n; i++ {
		v := int(math.Round(float64(src[i])*multiplier)) + offset
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		dst[i] = v
	}
	return n
}

// DurationOf returns time duration of passed frames for this sample rate.
func DurationOf(sampleRate int, frames uint64) time.Duration {
	return time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
}

// FramesOf returns number of frames in duration for this sample rate.
func FramesOf(sampleRate int, d time.Duration) uint64 {
	return uint64(math.Round(d.Seconds() * float64(sampleRate)))
}

// Silence sets all samples to zero.
func Silence(buf []float32) {
	clear(buf)
}

// Mix adds src multiplied by volume to dst.
func Mix(dst, src []float32, volume float32) {
	n := min(len(dst), len(src))
	if volume == 1 {
		for i := 0; i < n; i++ {
			dst[i] += src[i]
		}
		return
	}
	for i := 0; i < n; i++ {
		dst[i] += src[i] * volume
	}
}

// Scale multiplies all samples by volume.
func Scale(buf []float32, volume float32) {
	if volume == 1 {
		return
	}
	for i := range buf {
		buf[i] *= volume
	}
}

// ConvertChannels converts interleaved frames between channel layouts and
// returns number of converted frames. Mono is copied into every output
// channel, mixing down to mono averages all channels. Otherwise channels
// are mapped by index and extra output channels are silent.
func ConvertChannels(dst []float32, dstChannels int, src []float32, srcChannels int) int {
	if dstChannels <= 0 || srcChannels <= 0 {
		return 0
	}
	frames := min(len(dst)/dstChannels, len(src)/srcChannels)
	switch {
	case dstChannels == srcChannels:
		copy(dst, src[:frames*srcChannels])
	case srcChannels == 1:
		for i := 0; i < frames; i++ {
			for c := 0; c < dstChannels; c++ {
				dst[i*dstChannels+c] = src[i]
			}
		}
	case dstChannels == 1:
		for i := 0; i < frames; i++ {
			var sum float32
			for c := 0; c < srcChannels; c++ {
				sum += src[i*srcChannels+c]
			}
			dst[i] = sum / float32(srcChannels)
		}
	default:
		shared := min(dstChannels, srcChannels)
		for i := 0; i < frames; i++ {
			out := dst[i*dstChannels : (i+1)*dstChannels]
			copy(out, src[i*srcChannels:i*srcChannels+shared])
			clear(out[shared:])
		}
	}
	return frames
}
