package resource

import (
	"github.com/dudk/phonograph/fence"
)

// Flags configure data sources.
type Flags uint32

const (
	// Stream makes data source a data stream instead of a data buffer.
	Stream Flags = 1 << iota
	// Decode stores decoded PCM frames in data buffer. Without it the
	// encoded file is kept in memory and decoded by every consumer.
	Decode
	// Async loads data source in background jobs.
	Async
	// WaitInit loads data source in background, but waits until the first
	// page is available.
	WaitInit
	// UnknownLength stores decoded data in pages even if the decoder
	// knows the length.
	UnknownLength
	// Looping makes data source start over when it reaches the end.
	Looping
)

func (f Flags) async() bool {
	return f&(Async|WaitInit) != 0
}

// DataSourceConfig configures data buffers and data streams.
type DataSourceConfig struct {
	// Name is a file name in the manager's file system. Data buffers with
	// the same name share decoded data.
	Name  string
	Flags Flags
	// Notifications are signalled when the data source is readable and
	// when it's fully loaded.
	Notifications fence.Pipeline
}
