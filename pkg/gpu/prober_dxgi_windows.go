//go:build windows

// Windows GPU enumeration via DXGI, used when NVML is unavailable (no
// NVIDIA driver, or an AMD/Intel adapter). DXGI ships with every Windows
// desktop since Vista, so it is the fallback for "no vendor SDK
// installed": we talk to dxgi.dll's COM vtables directly through
// golang.org/x/sys/windows, the same raw-Win32 style used by other
// windows-only process helpers in this module.
package gpu

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

func init() {
	registerProber(&dxgiProber{})
}

type dxgiProber struct{}

func (p *dxgiProber) name() string { return "dxgi" }

var (
	modDXGI               = windows.NewLazySystemDLL("dxgi.dll")
	procCreateDXGIFactory1 = modDXGI.NewProc("CreateDXGIFactory1")
)

// IDXGIFactory1 / IDXGIAdapter1 vtable slot indices, per the published
// DXGI COM layout (IUnknown's 3 slots plus the interface's own methods in
// declaration order).
const (
	vtblEnumAdapters1  = 12
	vtblAdapterRelease = 2
	vtblGetDesc1       = 10
)

var dxgiFactory1GUID = windows.GUID{
	Data1: 0x770aae78, Data2: 0xf26f, Data3: 0x4dba,
	Data4: [8]byte{0xa8, 0x29, 0x25, 0x3c, 0x83, 0xd1, 0xb3, 0x87},
}

// dxgiAdapterDesc1 mirrors DXGI_ADAPTER_DESC1 closely enough to read the
// fields this probe needs; we don't round-trip it back into Windows APIs.
type dxgiAdapterDesc1 struct {
	Description           [128]uint16
	VendorID               uint32
	DeviceID               uint32
	SubSysID               uint32
	Revision               uint32
	DedicatedVideoMemory   uintptr
	DedicatedSystemMemory  uintptr
	SharedSystemMemory     uintptr
	AdapterLuid            [2]uint32
	Flags                  uint32
}

func (p *dxgiProber) probe() ([]Descriptor, error) {
	if err := modDXGI.Load(); err != nil {
		return nil, fmt.Errorf("dxgi.dll not available: %w", err)
	}

	factory, err := createDXGIFactory1()
	if err != nil {
		return nil, err
	}
	defer comRelease(factory, 2) // IDXGIFactory1 shares IDXGIObject's Release slot.

	var out []Descriptor
	for i := uint32(0); ; i++ {
		adapter, hr := enumAdapters1(factory, i)
		if hr != 0 {
			break // DXGI_ERROR_NOT_FOUND: no more adapters.
		}

		desc, descErr := getAdapterDesc1(adapter)
		comRelease(adapter, vtblAdapterRelease)
		if descErr != nil {
			continue
		}

		// "Microsoft Basic Render Driver" (vendor 0x1414) is software, not
		// a real accelerator; skip it like every DXGI enumeration sample
		// does.
		if desc.VendorID == 0x1414 {
			continue
		}

		out = append(out, Descriptor{
			Vendor:           vendorFromPCIID(desc.VendorID),
			DeviceName:       utf16ToString(desc.Description[:]),
			TotalMemoryBytes: uint64(desc.DedicatedVideoMemory),
		})
	}

	return out, nil
}

func vendorFromPCIID(vendorID uint32) Vendor {
	switch vendorID {
	case 0x10DE:
		return VendorNVIDIA
	case 0x1002, 0x1022:
		return VendorAMD
	case 0x8086:
		return VendorIntel
	default:
		return VendorUnknown
	}
}

func createDXGIFactory1() (uintptr, error) {
	var factory uintptr
	ret, _, _ := syscall.SyscallN(procCreateDXGIFactory1.Addr(),
		uintptr(unsafe.Pointer(&dxgiFactory1GUID)),
		uintptr(unsafe.Pointer(&factory)),
	)
	if ret != 0 {
		return 0, fmt.Errorf("CreateDXGIFactory1 failed: hresult 0x%x", uint32(ret))
	}
	return factory, nil
}

func enumAdapters1(factory uintptr, index uint32) (uintptr, uintptr) {
	vtbl := *(*uintptr)(unsafe.Pointer(factory))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + vtblEnumAdapters1*unsafe.Sizeof(uintptr(0))))

	var adapter uintptr
	ret, _, _ := syscall.SyscallN(fn, factory, uintptr(index), uintptr(unsafe.Pointer(&adapter)))
	return adapter, ret
}

func getAdapterDesc1(adapter uintptr) (dxgiAdapterDesc1, error) {
	vtbl := *(*uintptr)(unsafe.Pointer(adapter))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + vtblGetDesc1*unsafe.Sizeof(uintptr(0))))

	var desc dxgiAdapterDesc1
	ret, _, _ := syscall.SyscallN(fn, adapter, uintptr(unsafe.Pointer(&desc)))
	if ret != 0 {
		return dxgiAdapterDesc1{}, fmt.Errorf("GetDesc1 failed: hresult 0x%x", uint32(ret))
	}
	return desc, nil
}

func comRelease(obj uintptr, slot int) {
	if obj == 0 {
		return
	}
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))
	_, _, _ = syscall.SyscallN(fn, obj)
}

func utf16ToString(buf []uint16) string {
	for i, c := range buf {
		if c == 0 {
			return windows.UTF16ToString(buf[:i])
		}
	}
	return windows.UTF16ToString(buf)
}
