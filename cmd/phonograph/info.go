package main

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dudk/phonograph/signal"
	"github.com/dudk/phonograph/vfs"
)

func infoCommand(_ *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info [files...]",
		Short: "Show format and length of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := vfs.OS()
			for _, name := range args {
				if err := info(cmd.OutOrStdout(), fs, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func info(w io.Writer, fs vfs.FS, name string) (err error) {
	codec, err := codecs().Lookup(name)
	if err != nil {
		return err
	}
	f, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	dec, err := codec.Decode(f)
	if err != nil {
		return fmt.Errorf("decode %q: %w", name, err)
	}
	defer func() {
		if cerr := dec.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	format := dec.Format()
	length, ok := dec.Length()
	if !ok {
		fmt.Fprintf(w, "%s\t%s\tunknown length\n", name, format)
		return nil
	}
	fmt.Fprintf(w, "%s\t%s\t%d frames\t%v\n", name, format, length, signal.DurationOf(format.SampleRate, length))
	return nil
}
