package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leptonai/nrtd/pkg/runtime"
	"github.com/leptonai/nrtd/pkg/supervisor"
)

// ensureOptions mirrors the options-struct + flags convention from the
// pack's cobra deploy command (options struct populated by Flags(), read
// back inside RunE).
type ensureOptions struct {
	product     string
	provider    string
	version     string
	modelPath   string
	contextSize int
	nGPULayers  int
	timeout     time.Duration
}

func newEnsureCommand(opts *rootOptions) *cobra.Command {
	eo := &ensureOptions{}

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Acquire a runtime, lease a pooled server, and print its endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), eo.timeout)
			defer cancel()

			lease, err := opts.State.EnsureServer(ctx, eo.product, runtime.Provider(eo.provider), eo.version, supervisor.Config{
				ModelPath:   eo.modelPath,
				ContextSize: eo.contextSize,
				NGPULayers:  eo.nGPULayers,
			})
			if err != nil {
				return fmt.Errorf("ensure server: %w", err)
			}
			defer lease.Release()

			fmt.Fprintf(cmd.OutOrStdout(), "%s server ready at %s\n", CheckMark, lease.Client.BaseURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&eo.product, "product", "llama-server", "product to ensure a runtime for")
	cmd.Flags().StringVar(&eo.provider, "provider", string(runtime.ProviderAuto), "backend provider (auto, cpu, cuda12, cuda13, vulkan, hip, sycl, metal)")
	cmd.Flags().StringVar(&eo.version, "version", "", "pinned version, or empty/latest to resolve the newest")
	cmd.Flags().StringVar(&eo.modelPath, "model", "", "path to the .gguf model file")
	cmd.Flags().IntVar(&eo.contextSize, "context-size", 4096, "inference context window size")
	cmd.Flags().IntVar(&eo.nGPULayers, "gpu-layers", 0, "number of model layers to offload to GPU")
	cmd.Flags().DurationVar(&eo.timeout, "timeout", 3*time.Minute, "timeout for acquisition + server startup")

	return cmd
}
