// Command phonograph plays and renders audio files through the graph.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dudk/phonograph/log"
)

const envPrefix = "PHONOGRAPH"

var (
	successExitCode = 0
	errorExitCode   = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := rootCommand(viper.New())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
		return errorExitCode
	}
	return successExitCode
}

// rootCommand creates the root command. Flags of all commands are bound
// to v, so every flag can also be set in the config file or with
// PHONOGRAPH_ environment variables.
func rootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "phonograph",
		Short:         "Play and render audio files through the mixing graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "config file")
	flags.Bool("debug", false, "enable debug logging")
	flags.Int("workers", 0, "number of resource workers, 0 uses the number of cores")
	flags.Int("chunk-frames", 512, "maximum number of frames processed by nodes at once")
	flags.Duration("page", 0, "duration of decoded pages, 0 uses the default")
	flags.Int("channels", 2, "number of output channels")
	flags.Float32("volume", 1, "volume of every file")

	root.AddCommand(
		playCommand(v),
		renderCommand(v),
		infoCommand(v),
	)
	return root
}

func initConfig(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func logger(v *viper.Viper) *logrus.Logger {
	l := log.GetLogger()
	if v.GetBool("debug") {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}
