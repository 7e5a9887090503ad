package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dudk/phonograph/metric"
	"github.com/dudk/phonograph/portaudio"
	"github.com/dudk/phonograph/resource"
	"github.com/dudk/phonograph/signal"
)

// tail is played after the longest file to let the device drain.
const tail = 200 * time.Millisecond

func playCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play [files...]",
		Short: "Play files mixed together on the default device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), v, args)
		},
	}
	cmd.Flags().Bool("stream", false, "stream files instead of decoding them into memory")
	cmd.Flags().Bool("loop", false, "loop files until interrupted")
	cmd.Flags().Int("frames-per-buffer", portaudio.DefaultFramesPerBuffer, "frames requested by the device callback")
	cmd.Flags().String("metrics", "", "listen address of the prometheus endpoint, disabled if empty")
	return cmd
}

func play(ctx context.Context, v *viper.Viper, files []string) (err error) {
	l := logger(v)
	s, err := newSession(v, l)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	flags := resource.WaitInit
	if v.GetBool("stream") {
		flags |= resource.Stream
	} else {
		flags |= resource.Decode
	}
	loop := v.GetBool("loop")
	if loop {
		flags |= resource.Looping
	}
	if err := s.add(ctx, files, flags, float32(v.GetFloat64("volume"))); err != nil {
		return err
	}

	options := []portaudio.Option{
		portaudio.WithFramesPerBuffer(v.GetInt("frames-per-buffer")),
		portaudio.WithLogger(l),
	}
	if addr := v.GetString("metrics"); addr != "" {
		metrics, err := metric.New(prometheus.NewRegistry(), s.manager, s.graph)
		if err != nil {
			return err
		}
		srv := http.Server{Addr: addr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.WithError(err).Error("metrics server failed")
			}
		}()
		defer srv.Close()
		options = append(options, portaudio.WithMeter(metrics.Meter(s.sampleRate)))
	}

	device, err := portaudio.New(s.graph, s.sampleRate, options...)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		return err
	}
	defer func() {
		if serr := device.Stop(); serr != nil {
			err = multierror.Append(err, serr)
		}
	}()

	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if loop || s.length == 0 {
		<-ctx.Done()
		return nil
	}
	timer := time.NewTimer(signal.DurationOf(s.sampleRate, s.length) + tail)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}
