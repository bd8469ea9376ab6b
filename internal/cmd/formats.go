package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/format/all"
)

func NewFormatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List output formats and their options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printFormats(cmd.OutOrStdout())
			return nil
		},
	}
}

func printFormats(out io.Writer) {
	all.RegisterAll()

	for _, f := range format.Formats() {
		names := append([]string{f.Name}, f.Aliases...)
		fmt.Fprintf(out, "%-10s %s\n", color.New(color.FgCyan).Sprint(strings.Join(names, ",")), f.LongName)
		if len(f.Extensions) > 0 {
			fmt.Fprintf(out, "    extensions: %s\n", strings.Join(f.Extensions, ", "))
		}
		if f.Flags != 0 {
			fmt.Fprintf(out, "    flags:      %s\n", f.Flags)
		}
		for _, opt := range f.Options {
			color.New(color.Faint).Fprintf(out, "    -%s <%s> %s (default %s)\n", opt.Name, opt.Type, opt.Help, opt.Default)
		}
	}
}
