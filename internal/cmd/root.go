// Package cmd implements the mediamuxer command line
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jerett/mediaMuxer/config"
	"github.com/jerett/mediaMuxer/internal/util"
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "mediamuxer",
		Short: "Mux H.264 and AAC into media containers",
		Long: `mediamuxer writes H.264 video and AAC audio into MP4, MPEG-TS, WebM or raw
H.264 output on a local file or a tcp, udp, srt or websocket target.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.GetLogLevel(), "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(NewMuxCommand())
	rootCmd.AddCommand(NewFormatsCommand())
	rootCmd.AddCommand(NewSEICommand())
	return rootCmd
}
