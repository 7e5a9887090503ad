// Package graph mixes audio through a graph of nodes.
//
// Every node has input and output buses. Output buses are attached to
// input buses of other nodes and all outputs attached to the same input
// bus are mixed together. The graph is read from its endpoint: reading
// the endpoint recursively pulls all nodes attached to it.
//
// Read is meant to be called from a single real-time goroutine, it never
// blocks and doesn't allocate. Topology can be changed from any other
// goroutine while the graph is being read.
package graph

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/log"
	"github.com/dudk/phonograph/signal"
)

// DefaultChunkFrames is the maximum number of frames processed by nodes at
// once.
const DefaultChunkFrames = 512

var (
	// ErrChannelMismatch is returned when output bus is attached to input
	// bus with different number of channels.
	ErrChannelMismatch = errors.New("channel count mismatch")
	// ErrInvalidBus is returned when bus index is out of range.
	ErrInvalidBus = errors.New("invalid bus")
	// ErrEndpoint is returned when the output of the endpoint is
	// attached or detached.
	ErrEndpoint = errors.New("endpoint output cannot be changed")
)

// Option configures the graph.
type Option func(*Graph) error

// WithChunkFrames sets maximum number of frames processed by nodes at
// once. Nodes allocate their buffers for this size.
func WithChunkFrames(frames int) Option {
	return func(g *Graph) error {
		if frames <= 0 {
			return fmt.Errorf("%w: %d chunk frames", phonograph.ErrInvalidArgs, frames)
		}
		g.chunkFrames = frames
		return nil
	}
}

// WithLogger sets logger for topology changes.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Graph) error {
		g.log = l
		return nil
	}
}

// Stats contains graph counters.
type Stats struct {
	Reads  uint64
	Frames uint64
}

// Graph is a graph of nodes with a single endpoint.
type Graph struct {
	channels    int
	chunkFrames int
	log         logrus.FieldLogger
	endpoint    *Node

	time atomic.Uint64
	// pass identifies the current chunk, used by Read only
	pass uint64

	reads  atomic.Uint64
	frames atomic.Uint64
}

// New creates a graph with the endpoint of provided number of channels.
func New(channels int, options ...Option) (*Graph, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", phonograph.ErrInvalidArgs, channels)
	}
	g := Graph{
		channels:    channels,
		chunkFrames: DefaultChunkFrames,
		log:         log.Silent(),
	}
	for _, option := range options {
		if err := option(&g); err != nil {
			return nil, err
		}
	}
	endpoint, err := NewNode(&g, NodeConfig{
		InputChannels:  []int{channels},
		OutputChannels: []int{channels},
	}, passthrough{})
	if err != nil {
		return nil, err
	}
	g.endpoint = endpoint
	g.log.WithField("channels", channels).Debug("graph created")
	return &g, nil
}

// Endpoint returns the endpoint node. Nodes must be attached to its
// input bus to be read.
func (g *Graph) Endpoint() *Node {
	return g.endpoint
}

// Channels returns number of channels of the endpoint.
func (g *Graph) Channels() int {
	return g.channels
}

// ChunkFrames returns maximum number of frames processed at once.
func (g *Graph) ChunkFrames() int {
	return g.chunkFrames
}

// Read reads interleaved frames from the endpoint into dst and returns
// number of frames produced. Frames that were not produced are silenced.
// The time of the graph advances by the full length of dst. io.EOF is
// returned if nothing was produced. Read must not be called concurrently.
func (g *Graph) Read(dst []float32) (int, error) {
	frames := len(dst) / g.channels
	now := g.time.Load()
	var total, requested int
	for requested < frames {
		chunk := min(frames-requested, g.chunkFrames)
		g.pass++
		buf, produced := g.endpoint.pull(0, chunk, g.pass, now+uint64(requested))
		copy(dst[requested*g.channels:], buf[:produced*g.channels])
		requested += chunk
		total += produced
		if produced < chunk {
			break
		}
	}
	g.time.Add(uint64(frames))
	signal.Silence(dst[total*g.channels : frames*g.channels])
	g.reads.Add(1)
	g.frames.Add(uint64(total))
	if total == 0 && frames > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Time returns global time of the graph in frames.
func (g *Graph) Time() uint64 {
	return g.time.Load()
}

// SetTime sets global time of the graph.
func (g *Graph) SetTime(frames uint64) {
	g.time.Store(frames)
}

// Stats returns graph counters.
func (g *Graph) Stats() Stats {
	return Stats{
		Reads:  g.reads.Load(),
		Frames: g.frames.Load(),
	}
}

// passthrough copies its input to the output.
type passthrough struct{}

func (passthrough) Process(in [][]float32, inFrames int, out [][]float32, outFrames int) (int, int) {
	frames := min(inFrames, outFrames)
	copy(out[0], in[0])
	return frames, frames
}
