package command

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leptonai/nrtd/pkg/log"
	"github.com/leptonai/nrtd/pkg/runtime"
	"github.com/leptonai/nrtd/pkg/supervisor"
)

// newServeCommand runs nrtctl as a long-lived daemon: it leases one pooled
// server up front and blocks until Ctrl-C, then flushes the pool
// synchronously before exiting.
func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		product     string
		provider    string
		version     string
		modelPath   string
		contextSize int
		nGPULayers  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ensure a server is running and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			// syscall.SIGINT/SIGTERM are defined on windows/linux/darwin alike, unlike
			// golang.org/x/sys/unix; this daemon targets all three, so no build-tag split.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			startCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
			lease, err := opts.State.EnsureServer(startCtx, product, runtime.Provider(provider), version, supervisor.Config{
				ModelPath:   modelPath,
				ContextSize: contextSize,
				NGPULayers:  nGPULayers,
			})
			cancel()
			if err != nil {
				return fmt.Errorf("ensure server: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s serving %s at %s (ctrl-c to stop)\n", CheckMark, product, lease.Client.BaseURL)

			opts.State.WaitForShutdown(ctx)
			lease.Release()
			log.Logger.Infow("nrtctl serve exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&product, "product", "llama-server", "product to serve")
	cmd.Flags().StringVar(&provider, "provider", string(runtime.ProviderAuto), "backend provider (auto, cpu, cuda12, cuda13, vulkan, hip, sycl, metal)")
	cmd.Flags().StringVar(&version, "version", "", "pinned version, or empty/latest to resolve the newest")
	cmd.Flags().StringVar(&modelPath, "model", "", "path to the .gguf model file")
	cmd.Flags().IntVar(&contextSize, "context-size", 4096, "inference context window size")
	cmd.Flags().IntVar(&nGPULayers, "gpu-layers", 0, "number of model layers to offload to GPU")

	return cmd
}
