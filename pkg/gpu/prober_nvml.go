//go:build !darwin

// NVML-based GPU probing: an nvml.New() / device.New() split (raw bindings
// vs. device-enumeration helper), where an Init error code is treated as
// unavailable rather than fatal, plus the CUDA driver version decode.
package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/leptonai/nrtd/pkg/log"
)

func init() {
	registerProber(&nvmlProber{lib: nvml.New()})
}

type nvmlProber struct {
	lib nvml.Interface
}

func (p *nvmlProber) name() string { return "nvml" }

func (p *nvmlProber) probe() ([]Descriptor, error) {
	ret := p.lib.Init()
	if ret != nvml.SUCCESS {
		// No driver, no card, or a permissions problem -- all the same to
		// the caller: nvml is simply not available on this host.
		return nil, fmt.Errorf("nvml init: %v", nvml.ErrorString(ret))
	}
	defer func() {
		_ = p.lib.Shutdown()
	}()

	driverVersion, err := parseDriverVersion(p.lib)
	if err != nil {
		log.Logger.Debugw("nvml driver version unavailable", "error", err)
	}

	devLib := device.New(p.lib)
	var out []Descriptor

	err = devLib.VisitDevices(func(i int, d device.Device) error {
		desc, visitErr := describeDevice(d)
		if visitErr != nil {
			log.Logger.Warnw("nvml device query failed, skipping", "index", i, "error", visitErr)
			return nil
		}
		desc.CudaDriverVersion = driverVersion
		out = append(out, desc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nvml visit devices: %w", err)
	}

	return out, nil
}

func describeDevice(d device.Device) (Descriptor, error) {
	name, ret := d.GetName()
	if ret != nvml.SUCCESS {
		return Descriptor{}, fmt.Errorf("GetName: %v", nvml.ErrorString(ret))
	}

	mem, ret := d.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return Descriptor{}, fmt.Errorf("GetMemoryInfo: %v", nvml.ErrorString(ret))
	}

	desc := Descriptor{
		Vendor:           VendorNVIDIA,
		DeviceName:       name,
		TotalMemoryBytes: mem.Total,
	}

	major, minor, ret := d.GetCudaComputeCapability()
	if ret == nvml.SUCCESS {
		desc.CudaComputeCapability = &ComputeCapability{Major: major, Minor: minor}
	}

	return desc, nil
}

// parseDriverVersion reads the CUDA driver version NVML exposes (not the
// display driver version string): SystemGetCudaDriverVersion returns an int
// like 12040 meaning CUDA 12.4, so major = v/1000 and minor = (v%1000)/10.
// This is the value backend-generation gating (cuda12 vs cuda13) keys off.
func parseDriverVersion(lib nvml.Interface) (*DriverVersion, error) {
	v, ret := lib.SystemGetCudaDriverVersion()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("SystemGetCudaDriverVersion: %v", nvml.ErrorString(ret))
	}

	return &DriverVersion{Major: v / 1000, Minor: (v % 1000) / 10}, nil
}
