package graph

import (
	"errors"
	"fmt"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/signal"
)

type dataSource struct {
	src      phonograph.DataSource
	channels int
	// conversion buffer, holds at least a few frames of MaxChannels
	buf []float32
}

// DataSourceNode creates a node without inputs that reads the data source.
// Frames are converted to the number of channels of its output. While the
// source is busy, the node outputs silence.
func DataSourceNode(g *Graph, src phonograph.DataSource, channels int) (*Node, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil data source", phonograph.ErrInvalidArgs)
	}
	// the format of an async source is unknown until it's loaded
	d := dataSource{
		src:      src,
		channels: channels,
		buf:      make([]float32, max(g.chunkFrames*max(channels, 2), 4*phonograph.MaxChannels)),
	}
	return NewNode(g, NodeConfig{OutputChannels: []int{channels}}, &d)
}

func (d *dataSource) Process(_ [][]float32, _ int, out [][]float32, outFrames int) (int, int) {
	channels := d.src.Format().Channels
	if channels == 0 {
		// not loaded yet
		signal.Silence(out[0])
		return 0, outFrames
	}
	var filled int
	for filled < outFrames {
		var (
			n   int
			err error
		)
		if channels == d.channels {
			n, err = d.src.Read(out[0][filled*channels : outFrames*channels])
		} else {
			frames := min(outFrames-filled, len(d.buf)/channels)
			n, err = d.src.Read(d.buf[:frames*channels])
			signal.ConvertChannels(out[0][filled*d.channels:], d.channels, d.buf[:n*channels], channels)
		}
		filled += n
		if errors.Is(err, phonograph.ErrBusy) {
			signal.Silence(out[0][filled*d.channels : outFrames*d.channels])
			return 0, outFrames
		}
		if err != nil || n == 0 {
			break
		}
	}
	return 0, filled
}

type splitter struct{}

// SplitterNode creates a node that copies its input to all outputs.
func SplitterNode(g *Graph, channels, outputs int) (*Node, error) {
	if outputs <= 0 {
		return nil, fmt.Errorf("%w: %d outputs", phonograph.ErrInvalidArgs, outputs)
	}
	cfg := NodeConfig{
		InputChannels:  []int{channels},
		OutputChannels: make([]int, outputs),
	}
	for i := range cfg.OutputChannels {
		cfg.OutputChannels[i] = channels
	}
	return NewNode(g, cfg, splitter{})
}

func (splitter) Process(in [][]float32, inFrames int, out [][]float32, outFrames int) (int, int) {
	frames := min(inFrames, outFrames)
	for i := range out {
		copy(out[i], in[0])
	}
	return frames, frames
}

// DelayConfig configures an echo.
type DelayConfig struct {
	Channels int
	// Frames is the delay length.
	Frames int
	// Decay is applied to the delayed signal every time it repeats.
	Decay float32
	Wet   float32
	Dry   float32
}

type delay struct {
	DelayConfig
	buf    []float32
	cursor int
}

// DelayNode creates an echo node. It's processed continuously, so the
// echo tail is played after the input has ended.
func DelayNode(g *Graph, cfg DelayConfig) (*Node, error) {
	if cfg.Frames <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: delay of %d frames with %d channels", phonograph.ErrInvalidArgs, cfg.Frames, cfg.Channels)
	}
	d := delay{
		DelayConfig: cfg,
		buf:         make([]float32, cfg.Frames*cfg.Channels),
	}
	return NewNode(g, NodeConfig{
		InputChannels:  []int{cfg.Channels},
		OutputChannels: []int{cfg.Channels},
		Flags:          ContinuousProcessing | AllowNullInput,
	}, &d)
}

func (d *delay) Process(in [][]float32, inFrames int, out [][]float32, outFrames int) (int, int) {
	var src []float32
	if in != nil {
		src = in[0][:inFrames*d.Channels]
	}
	dst := out[0]
	for i := 0; i < outFrames; i++ {
		for c := 0; c < d.Channels; c++ {
			var x float32
			if s := i*d.Channels + c; s < len(src) {
				x = src[s]
			}
			delayed := &d.buf[d.cursor*d.Channels+c]
			dst[i*d.Channels+c] = x*d.Dry + *delayed*d.Wet
			*delayed = x + *delayed*d.Decay
		}
		d.cursor = (d.cursor + 1) % d.Frames
	}
	return inFrames, outFrames
}
