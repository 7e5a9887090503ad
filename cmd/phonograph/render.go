package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dudk/phonograph"
	"github.com/dudk/phonograph/mp3"
	"github.com/dudk/phonograph/resource"
	"github.com/dudk/phonograph/signal"
	"github.com/dudk/phonograph/wav"
)

type sink interface {
	Write([]float32) error
	Frames() uint64
	Close() error
}

func renderCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [files...]",
		Short: "Mix files together into a wav or mp3 file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := render(cmd.Context(), v, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rendered %d frames to %s\n", frames, v.GetString("out"))
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "output file, .wav or .mp3 (required)")
	cmd.Flags().Int("bit-depth", 16, "bit depth of wav output")
	cmd.Flags().Int("bit-rate", 192, "bit rate of mp3 output")
	cmd.Flags().Int("quality", 2, "quality of mp3 output")
	return cmd
}

func newSink(v *viper.Viper, w io.WriteSeeker, sampleRate, channels int) (sink, error) {
	name := v.GetString("out")
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		return wav.NewSink(w, sampleRate, channels, signal.BitDepth(v.GetInt("bit-depth")))
	case ".mp3":
		return mp3.NewSink(w, sampleRate, channels, v.GetInt("bit-rate"), v.GetInt("quality"))
	}
	return nil, fmt.Errorf("%w: output %q", phonograph.ErrUnsupportedFormat, name)
}

// render reads the whole graph into the output file and returns number of
// written frames.
func render(ctx context.Context, v *viper.Viper, files []string) (frames uint64, err error) {
	out := v.GetString("out")
	if out == "" {
		return 0, fmt.Errorf("%w: missing output file", phonograph.ErrInvalidArgs)
	}
	s, err := newSession(v, logger(v))
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	if err := s.add(ctx, files, resource.Decode, float32(v.GetFloat64("volume"))); err != nil {
		return 0, err
	}

	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	snk, err := newSink(v, f, s.sampleRate, s.graph.Channels())
	if err != nil {
		return 0, err
	}

	channels := s.graph.Channels()
	buf := make([]float32, s.graph.ChunkFrames()*channels)
	for {
		if err := ctx.Err(); err != nil {
			return snk.Frames(), multierror.Append(err, snk.Close())
		}
		n, err := s.graph.Read(buf)
		if err == io.EOF {
			break
		}
		if err := snk.Write(buf[:n*channels]); err != nil {
			return snk.Frames(), multierror.Append(err, snk.Close())
		}
	}
	return snk.Frames(), snk.Close()
}
