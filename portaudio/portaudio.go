// Package portaudio plays a graph on the default output device.
package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/graph"
	"github.com/dudk/phonograph/log"
)

// DefaultFramesPerBuffer lets the host choose the callback size.
const DefaultFramesPerBuffer = 0

// Option configures the device.
type Option func(*Device)

// WithFramesPerBuffer sets the callback size requested from the host.
func WithFramesPerBuffer(frames int) Option {
	return func(d *Device) {
		d.framesPerBuffer = frames
	}
}

// WithMeter sets a function called after every callback with the number
// of requested frames.
func WithMeter(measure func(frames int)) Option {
	return func(d *Device) {
		d.measure = measure
	}
}

// WithLogger sets logger for device events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// Device reads the graph from the stream callback.
type Device struct {
	g               *graph.Graph
	sampleRate      int
	framesPerBuffer int
	measure         func(int)
	log             logrus.FieldLogger

	mu     sync.Mutex
	stream *portaudio.Stream
}

// New creates a device for the graph. Number of output channels is the
// number of channels of the graph endpoint.
func New(g *graph.Graph, sampleRate int, options ...Option) (*Device, error) {
	if g == nil || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: device at %d Hz", phonograph.ErrInvalidArgs, sampleRate)
	}
	d := Device{
		g:               g,
		sampleRate:      sampleRate,
		framesPerBuffer: DefaultFramesPerBuffer,
		log:             log.Silent(),
	}
	for _, option := range options {
		option(&d)
	}
	return &d, nil
}

// Process fills out with frames of the graph. It's the stream callback and
// is called with whatever number of frames the host asks for.
func (d *Device) Process(out []float32) {
	// nothing produced is still played as silence
	_, _ = d.g.Read(out)
	if d.measure != nil {
		d.measure(len(out) / d.g.Channels())
	}
}

// Start initializes portaudio and starts the default output stream.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return fmt.Errorf("%w: device already started", phonograph.ErrInvalidArgs)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	stream, err := portaudio.OpenDefaultStream(0, d.g.Channels(), float64(d.sampleRate), d.framesPerBuffer, d.Process)
	if err != nil {
		return multierror.Append(fmt.Errorf("open stream: %w", err), portaudio.Terminate())
	}
	if err := stream.Start(); err != nil {
		return multierror.Append(fmt.Errorf("start stream: %w", err), stream.Close(), portaudio.Terminate())
	}
	d.stream = stream
	d.log.WithField("channels", d.g.Channels()).WithField("rate", d.sampleRate).Debug("device started")
	return nil
}

// Stop stops the stream and terminates portaudio.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	var result *multierror.Error
	result = multierror.Append(result, d.stream.Stop())
	result = multierror.Append(result, d.stream.Close())
	result = multierror.Append(result, portaudio.Terminate())
	d.stream = nil
	d.log.Debug("device stopped")
	return result.ErrorOrNil()
}
