package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	logLevel  string

	rootCmd = &cobra.Command{
		Use:           "meetctl",
		Short:         "Command line client for webrtc-meet",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "meeting server base URL")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return logger
	}
	return logger.Level(lvl)
}
