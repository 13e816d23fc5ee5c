package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/rag-support/internal/videogen"
)

func newVideoCommand(ctx *commandContext) *cobra.Command {
	var temperature float64

	cmd := &cobra.Command{
		Use:   "video <prompt>",
		Short: "Generate a faceless video from a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if temperature < 0 || temperature > 1 {
				return fmt.Errorf("temperature must be within [0, 1], got %.2f", temperature)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			wf := videogen.NewWorkflow(videogen.NewClient(cfg.Video), cfg.Video)
			path, err := wf.Run(cmd.Context(), args[0], temperature)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0.7, "Sampling temperature for the script")

	return cmd
}
