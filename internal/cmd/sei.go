package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jerett/mediaMuxer/internal/h264"
)

type SEIOptions struct {
	Decode bool
}

func NewSEICommand() *cobra.Command {
	opts := &SEIOptions{}

	cmd := &cobra.Command{
		Use:   "sei <payload>",
		Short: "Encode a payload as an SEI NAL unit, or decode one",
		Example: `  mediamuxer sei '{"frame":1}'
  mediamuxer sei --decode 00000001061...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Decode {
				nal, err := hex.DecodeString(strings.TrimSpace(args[0]))
				if err != nil {
					return fmt.Errorf("invalid hex input: %w", err)
				}
				payload, err := h264.ParseSEI(nal)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return nil
			}

			nal, err := h264.ConstructSEI([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(nal))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Decode, "decode", false, "Decode a hex encoded SEI NAL unit back to its payload")
	return cmd
}
