package resource

import (
	"context"

	"github.com/dudk/phonograph"
)

type source interface {
	phonograph.DataSource
	AvailableFrames() uint64
	Result() error
	SetLooping(bool)
	Looping() bool
	Close() error
}

var (
	_ source = (*DataBuffer)(nil)
	_ source = (*DataStream)(nil)
)

// DataSource is either a data buffer or a data stream.
type DataSource struct {
	source
	stream bool
}

// InitDataSource initialises a data stream if Stream flag is set and a
// data buffer otherwise.
func (m *Manager) InitDataSource(ctx context.Context, cfg DataSourceConfig) (*DataSource, error) {
	if cfg.Flags&Stream != 0 {
		s, err := m.InitDataStream(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &DataSource{source: s, stream: true}, nil
	}
	b, err := m.InitDataBuffer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DataSource{source: b}, nil
}

// IsStream reports whether the source is a data stream.
func (s *DataSource) IsStream() bool {
	return s.stream
}
