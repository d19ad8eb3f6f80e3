package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leptonai/nrtd/pkg/assets"
	"github.com/leptonai/nrtd/pkg/update"
)

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	var (
		product        string
		backend        string
		currentVersion string
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Force a foreground check-and-apply for one product/backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := opts.State.TriggerUpdate(ctx, product, assets.Backend(backend), currentVersion)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch result.Kind {
			case update.ResultUpdateApplied:
				fmt.Fprintf(out, "%s updated %s/%s: %s -> %s (%s)\n", CheckMark, product, backend, result.CurrentVersion, result.NewVersion, result.Path)
			case update.ResultNoUpdateNeeded:
				fmt.Fprintf(out, "%s %s/%s already up to date\n", CheckMark, product, backend)
			default:
				fmt.Fprintf(out, "%s %s/%s update failed: %s\n", WarningSign, product, backend, result.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&product, "product", "llama-server", "product to update")
	cmd.Flags().StringVar(&backend, "backend", "cpu", "backend to update")
	cmd.Flags().StringVar(&currentVersion, "current-version", "", "currently installed version (empty uses the documented fallback)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "timeout for the version check + download")

	return cmd
}
