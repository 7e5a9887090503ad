package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/flac"
	"github.com/dudk/phonograph/graph"
	"github.com/dudk/phonograph/mp3"
	"github.com/dudk/phonograph/resource"
	"github.com/dudk/phonograph/vfs"
	"github.com/dudk/phonograph/vorbis"
	"github.com/dudk/phonograph/wav"
)

var errNoFiles = errors.New("no files to play")

func codecs() phonograph.Codecs {
	return phonograph.Codecs{
		".wav":  wav.Codec,
		".wave": wav.Codec,
		".mp3":  mp3.Codec,
		".ogg":  vorbis.Codec,
		".oga":  vorbis.Codec,
		".flac": flac.Codec,
	}
}

// session is a graph of data sources mixed into the endpoint.
type session struct {
	log     logrus.FieldLogger
	manager *resource.Manager
	graph   *graph.Graph
	sources []*resource.DataSource
	// sampleRate is the rate of the first file
	sampleRate int
	// length is the length of the longest file
	length uint64
}

func newSession(v *viper.Viper, l logrus.FieldLogger) (*session, error) {
	options := []resource.Option{
		resource.WithVFS(vfs.OS()),
		resource.WithCodecs(codecs()),
		resource.WithLogger(l),
	}
	if workers := v.GetInt("workers"); workers > 0 {
		options = append(options, resource.WithWorkers(workers))
	}
	if page := v.GetDuration("page"); page > 0 {
		options = append(options, resource.WithPageDuration(page))
	}
	m, err := resource.New(options...)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(v.GetInt("channels"),
		graph.WithChunkFrames(v.GetInt("chunk-frames")),
		graph.WithLogger(l),
	)
	if err != nil {
		return nil, multierror.Append(err, m.Close())
	}
	return &session{
		log:     l,
		manager: m,
		graph:   g,
	}, nil
}

// add opens files and attaches them to the endpoint.
func (s *session) add(ctx context.Context, files []string, flags resource.Flags, volume float32) error {
	if len(files) == 0 {
		return errNoFiles
	}
	for _, name := range files {
		src, err := s.manager.InitDataSource(ctx, resource.DataSourceConfig{
			Name:  name,
			Flags: flags,
		})
		if err != nil {
			return fmt.Errorf("open %q: %w", name, err)
		}
		s.sources = append(s.sources, src)
		node, err := graph.DataSourceNode(s.graph, src, s.graph.Channels())
		if err != nil {
			return err
		}
		if err := node.SetOutputVolume(0, volume); err != nil {
			return err
		}
		if err := node.AttachOutput(0, s.graph.Endpoint(), 0); err != nil {
			return err
		}

		format := src.Format()
		if s.sampleRate == 0 {
			s.sampleRate = format.SampleRate
		} else if format.SampleRate != 0 && format.SampleRate != s.sampleRate {
			s.log.WithField("name", name).Warnf("sample rate %d differs from %d", format.SampleRate, s.sampleRate)
		}
		if length, ok := src.Length(); ok {
			s.length = max(s.length, length)
		}
		s.log.WithField("name", name).WithField("format", format.String()).Debug("file added")
	}
	return nil
}

func (s *session) close() error {
	var result *multierror.Error
	if err := s.graph.Endpoint().Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
