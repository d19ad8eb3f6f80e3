package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newProbeCommand dumps platform/GPU/CUDA detection in a single
// diagnostic pass.
func newProbeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Print detected platform, GPU, and CUDA/cuDNN environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := opts.State
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "platform: %s (64-bit: %t)\n", st.Platform.RuntimeIdentifier, st.Platform.Is64Bit)

			if len(st.GPUs.GPUs) == 0 {
				fmt.Fprintf(out, "%s no GPU detected, cpu backend only\n", WarningSign)
			}
			for i, g := range st.GPUs.GPUs {
				marker := " "
				if st.GPUs.Primary != nil && st.GPUs.Primary.DeviceName == g.DeviceName {
					marker = "*"
				}
				fmt.Fprintf(out, "%s gpu[%d]: %s %s", marker, i, g.Vendor, g.DeviceName)
				if g.TotalMemoryBytes > 0 {
					fmt.Fprintf(out, " (%d MiB)", g.TotalMemoryBytes/(1024*1024))
				}
				if g.CudaDriverVersion != nil {
					fmt.Fprintf(out, " driver=%d.%d", g.CudaDriverVersion.Major, g.CudaDriverVersion.Minor)
				}
				if g.CudaComputeCapability != nil {
					fmt.Fprintf(out, " sm=%d.%d", g.CudaComputeCapability.Major, g.CudaComputeCapability.Minor)
				}
				fmt.Fprintln(out)
			}

			if st.CudaEnv.CudaHome != "" {
				fmt.Fprintf(out, "%s CUDA_HOME=%s", CheckMark, st.CudaEnv.CudaHome)
				if st.CudaEnv.CudaVersion != nil {
					fmt.Fprintf(out, " (%s)", st.CudaEnv.CudaVersion)
				}
				fmt.Fprintln(out)
			} else {
				fmt.Fprintf(out, "%s no CUDA toolkit located\n", WarningSign)
			}
			if st.CudaEnv.CudnnPresent {
				fmt.Fprintf(out, "%s cuDNN present", CheckMark)
				if st.CudaEnv.CudnnVersion != nil {
					fmt.Fprintf(out, " (%s)", st.CudaEnv.CudnnVersion)
				}
				fmt.Fprintln(out)
			}

			return nil
		},
	}
}
