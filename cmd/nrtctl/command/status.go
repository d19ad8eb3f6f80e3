package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCommand reports pool occupancy and per-backend version state
// as a point-in-time snapshot.
func newStatusCommand(opts *rootOptions) *cobra.Command {
	var product string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server pool occupancy and update status for a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := opts.State
			out := cmd.OutOrStdout()

			pool := st.Pool.StatusSnapshot()
			fmt.Fprintf(out, "pool: %d active, %d idle, %d total (max %d)\n",
				pool.Active, pool.Idle, pool.Total, st.Pool.MaxServers)
			for _, e := range pool.Entries {
				fmt.Fprintf(out, "  %s\n", e.Key)
			}

			reports, err := st.ProductStatuses(product)
			if err != nil {
				return err
			}
			for _, report := range reports {
				marker := CheckMark
				if report.UpdateAvailable {
					marker = WarningSign
				}
				fmt.Fprintf(out, "%s %s: installed=%s latest=%s updateAvailable=%t\n",
					marker, report.Key, report.InstalledVersion, report.LatestKnownVersion, report.UpdateAvailable)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&product, "product", "llama-server", "product name to report update status for")
	return cmd
}
