package graph

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/signal"
)

// Flags configure processing of the node.
type Flags uint32

const (
	// ContinuousProcessing makes node process even if none of its inputs
	// produced frames. It's needed for effects with a tail, like echo.
	ContinuousProcessing Flags = 1 << iota
	// AllowNullInput makes continuously processed node receive nil input
	// instead of silence when there is no input.
	AllowNullInput
	// SilentOutput makes node output excluded from the mix of the input
	// bus it's attached to. The node is still processed.
	SilentOutput
	// DifferentRates means node consumes and produces different number of
	// frames. Processor can implement InputEstimator to request input.
	DifferentRates
)

// State of the node.
type State int32

const (
	// Started node is processed.
	Started State = iota
	// Stopped node is not processed and its inputs are not read.
	Stopped
)

func (s State) String() string {
	if s == Started {
		return "started"
	}
	return "stopped"
}

// Processor processes frames of the node. in and out contain interleaved
// frames of each input and output bus. Processor returns number of input
// frames it consumed and number of output frames it produced. in is nil
// if the node allows null input and there was no input.
type Processor interface {
	Process(in [][]float32, inFrames int, out [][]float32, outFrames int) (consumed, produced int)
}

// InputEstimator is implemented by processors of DifferentRates nodes to
// request number of input frames required to produce output frames.
type InputEstimator interface {
	InputFrames(outFrames int) int
}

// NodeConfig configures a node.
type NodeConfig struct {
	// InputChannels contains number of channels of every input bus.
	InputChannels []int
	// OutputChannels contains number of channels of every output bus.
	OutputChannels []int
	Flags          Flags
	// State is the initial state of the node.
	State State
}

// Node is a processing unit of the graph.
type Node struct {
	g     *Graph
	id    string
	proc  Processor
	est   InputEstimator
	flags Flags
	log   logrus.FieldLogger

	inputs  []InputBus
	outputs []OutputBus

	state     atomic.Int32
	startTime atomic.Uint64
	stopTime  atomic.Uint64
	time      atomic.Uint64

	// owned by the reading goroutine
	pass     uint64
	produced int
	in       [][]float32
	out      [][]float32
	inBufs   [][]float32
	outBufs  [][]float32
	inCached int
}

// NewNode creates a detached node.
func NewNode(g *Graph, cfg NodeConfig, proc Processor) (*Node, error) {
	if proc == nil {
		return nil, fmt.Errorf("%w: nil processor", phonograph.ErrInvalidArgs)
	}
	if len(cfg.OutputChannels) == 0 {
		return nil, fmt.Errorf("%w: node without outputs", ErrInvalidBus)
	}
	n := Node{
		g:       g,
		id:      phonograph.NewUID(),
		proc:    proc,
		flags:   cfg.Flags,
		inputs:  make([]InputBus, len(cfg.InputChannels)),
		outputs: make([]OutputBus, len(cfg.OutputChannels)),
		in:      make([][]float32, len(cfg.InputChannels)),
		inBufs:  make([][]float32, len(cfg.InputChannels)),
		out:     make([][]float32, len(cfg.OutputChannels)),
		outBufs: make([][]float32, len(cfg.OutputChannels)),
	}
	n.log = g.log.WithField("node", n.id)
	if est, ok := proc.(InputEstimator); ok && cfg.Flags&DifferentRates != 0 {
		n.est = est
	}
	for i, channels := range cfg.InputChannels {
		if channels <= 0 {
			return nil, fmt.Errorf("%w: input %d has %d channels", ErrInvalidBus, i, channels)
		}
		n.inputs[i] = InputBus{node: &n, channels: channels}
		n.inBufs[i] = make([]float32, g.chunkFrames*channels)
	}
	for i, channels := range cfg.OutputChannels {
		if channels <= 0 {
			return nil, fmt.Errorf("%w: output %d has %d channels", ErrInvalidBus, i, channels)
		}
		n.outputs[i] = OutputBus{node: &n, index: i, channels: channels}
		n.outputs[i].SetVolume(1)
		n.outBufs[i] = make([]float32, g.chunkFrames*channels)
	}
	n.state.Store(int32(cfg.State))
	n.stopTime.Store(math.MaxUint64)
	return &n, nil
}

// ID returns unique id of the node.
func (n *Node) ID() string {
	return n.id
}

// Graph returns the graph of the node.
func (n *Node) Graph() *Graph {
	return n.g
}

// Flags returns processing flags of the node.
func (n *Node) Flags() Flags {
	return n.flags
}

// InputBuses returns number of input buses.
func (n *Node) InputBuses() int {
	return len(n.inputs)
}

// OutputBuses returns number of output buses.
func (n *Node) OutputBuses() int {
	return len(n.outputs)
}

// Input returns the input bus.
func (n *Node) Input(in int) (*InputBus, error) {
	if in < 0 || in >= len(n.inputs) {
		return nil, fmt.Errorf("%w: input %d of %d", ErrInvalidBus, in, len(n.inputs))
	}
	return &n.inputs[in], nil
}

// Output returns the output bus.
func (n *Node) Output(out int) (*OutputBus, error) {
	if out < 0 || out >= len(n.outputs) {
		return nil, fmt.Errorf("%w: output %d of %d", ErrInvalidBus, out, len(n.outputs))
	}
	return &n.outputs[out], nil
}

// AttachOutput attaches output bus of the node to input bus of the
// target. If the output is already attached, it's detached first. Channel
// counts of both buses must match.
func (n *Node) AttachOutput(out int, target *Node, in int) error {
	if n == n.g.endpoint {
		return ErrEndpoint
	}
	ob, err := n.Output(out)
	if err != nil {
		return err
	}
	ib, err := target.Input(in)
	if err != nil {
		return err
	}
	if ob.channels != ib.channels {
		return fmt.Errorf("%w: output %d has %d channels, input %d has %d", ErrChannelMismatch, out, ob.channels, in, ib.channels)
	}
	ob.attach(ib)
	n.log.WithField("output", out).WithField("target", target.id).WithField("input", in).Debug("attached")
	return nil
}

// DetachOutput detaches output bus of the node. When it returns, the
// output is not being read and won't be read until it's attached again.
func (n *Node) DetachOutput(out int) error {
	if n == n.g.endpoint {
		return ErrEndpoint
	}
	ob, err := n.Output(out)
	if err != nil {
		return err
	}
	if ob.detach() {
		n.log.WithField("output", out).Debug("detached")
	}
	return nil
}

// DetachAll detaches all output buses of the node.
func (n *Node) DetachAll() error {
	for i := range n.outputs {
		if err := n.DetachOutput(i); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches the node from the graph: all its outputs and all outputs
// attached to its inputs are detached.
func (n *Node) Close() error {
	if n != n.g.endpoint {
		if err := n.DetachAll(); err != nil {
			return err
		}
	}
	for i := range n.inputs {
		ib := &n.inputs[i]
		for ob := ib.head.Load(); ob != nil; ob = ib.head.Load() {
			ob.detach()
		}
	}
	n.log.Debug("closed")
	return nil
}

// SetState sets the state of the node.
func (n *Node) SetState(s State) {
	n.state.Store(int32(s))
}

// State returns the state of the node at the current global time.
func (n *Node) State() State {
	return n.StateAt(n.g.Time())
}

// StateAt returns the state of the node at the global time, taking
// scheduled start and stop times into account.
func (n *Node) StateAt(time uint64) State {
	if State(n.state.Load()) == Stopped {
		return Stopped
	}
	if n.startTime.Load() > time || n.stopTime.Load() <= time {
		return Stopped
	}
	return Started
}

// SetStateTime schedules transition to the state at the global time.
// Started node is processed from its start time until its stop time. By
// default the start time is zero and the stop time is never.
func (n *Node) SetStateTime(s State, time uint64) {
	if s == Started {
		n.startTime.Store(time)
		return
	}
	n.stopTime.Store(time)
}

// StateTime returns the scheduled time of the state.
func (n *Node) StateTime(s State) uint64 {
	if s == Started {
		return n.startTime.Load()
	}
	return n.stopTime.Load()
}

// Time returns local time of the node: number of frames it processed.
func (n *Node) Time() uint64 {
	return n.time.Load()
}

// SetTime sets local time of the node.
func (n *Node) SetTime(frames uint64) {
	n.time.Store(frames)
}

// SetOutputVolume sets the volume of the output bus.
func (n *Node) SetOutputVolume(out int, volume float32) error {
	ob, err := n.Output(out)
	if err != nil {
		return err
	}
	ob.SetVolume(volume)
	return nil
}

// OutputVolume returns the volume of the output bus.
func (n *Node) OutputVolume(out int) (float32, error) {
	ob, err := n.Output(out)
	if err != nil {
		return 0, err
	}
	return ob.Volume(), nil
}

// pull returns frames of the output bus. The node is processed once per
// pass, other outputs of the same pass are served from its buffers.
func (n *Node) pull(out, frames int, pass, time uint64) ([]float32, int) {
	if n.pass != pass {
		n.pass = pass
		n.produced = n.process(frames, pass, time)
	}
	return n.outBufs[out], n.produced
}

// process runs the processor for a chunk of frames that starts at the
// global time and returns number of produced frames.
func (n *Node) process(frames int, pass, time uint64) int {
	if State(n.state.Load()) == Stopped {
		return 0
	}
	begin, end := time, time+uint64(frames)
	start, stop := n.startTime.Load(), n.stopTime.Load()
	if start >= end || stop <= begin {
		return 0
	}
	offBeg, offEnd := 0, frames
	if start > begin {
		offBeg = int(start - begin)
	}
	if stop < end {
		offEnd = int(stop - begin)
	}
	span := offEnd - offBeg

	wanted := span
	if n.est != nil {
		wanted = max(n.est.InputFrames(span), 0)
	}
	inFrames := n.inCached + n.readInputs(wanted, pass, begin+uint64(offBeg))
	in := n.in
	if len(n.inputs) > 0 && inFrames == 0 {
		if n.flags&ContinuousProcessing == 0 {
			return 0
		}
		if n.flags&AllowNullInput != 0 {
			in = nil
		} else {
			inFrames = wanted
		}
	}
	if in != nil {
		for i := range n.inputs {
			in[i] = n.inBufs[i][:inFrames*n.inputs[i].channels]
		}
	}
	for i := range n.outputs {
		channels := n.outputs[i].channels
		if len(n.outBufs[i]) < frames*channels {
			// requested by a node with different rates
			n.outBufs[i] = make([]float32, frames*channels)
		}
		signal.Silence(n.outBufs[i][:offBeg*channels])
		n.out[i] = n.outBufs[i][offBeg*channels : offEnd*channels]
	}

	consumed, produced := n.proc.Process(in, inFrames, n.out, span)
	n.time.Add(uint64(span))

	n.inCached = 0
	if n.flags&DifferentRates != 0 && in != nil && consumed < inFrames {
		consumed = max(consumed, 0)
		for i := range n.inputs {
			channels := n.inputs[i].channels
			copy(n.inBufs[i], n.inBufs[i][consumed*channels:inFrames*channels])
		}
		n.inCached = inFrames - consumed
	}
	if produced <= 0 {
		return 0
	}
	return offBeg + min(produced, span)
}

// readInputs mixes all input buses after cached frames and returns max
// number of frames read.
func (n *Node) readInputs(wanted int, pass, time uint64) int {
	need := wanted - n.inCached
	if need <= 0 {
		return 0
	}
	var read int
	for i := range n.inputs {
		ib := &n.inputs[i]
		if size := wanted * ib.channels; len(n.inBufs[i]) < size {
			grown := make([]float32, size)
			copy(grown, n.inBufs[i][:n.inCached*ib.channels])
			n.inBufs[i] = grown
		}
		buf := n.inBufs[i][n.inCached*ib.channels : wanted*ib.channels]
		signal.Silence(buf)
		read = max(read, ib.mix(buf, need, pass, time))
	}
	return read
}
