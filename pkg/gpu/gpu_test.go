package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	devices []Descriptor
	err     error
	panics  bool
}

func (f *fakeProber) name() string { return "fake" }

func (f *fakeProber) probe() ([]Descriptor, error) {
	if f.panics {
		panic("boom")
	}
	return f.devices, f.err
}

func withProbers(t *testing.T, probers ...prober) {
	t.Helper()
	saved := registeredProbers
	registeredProbers = probers
	Reset()
	t.Cleanup(func() {
		registeredProbers = saved
		Reset()
	})
}

func TestDetectAggregatesAllProbers(t *testing.T) {
	withProbers(t,
		&fakeProber{devices: []Descriptor{{Vendor: VendorNVIDIA, DeviceName: "card-a"}}},
		&fakeProber{devices: []Descriptor{{Vendor: VendorAMD, DeviceName: "card-b"}}},
	)

	got := Detect()
	require.Len(t, got, 2)
	assert.Equal(t, VendorNVIDIA, got[0].Vendor)
	assert.Equal(t, VendorAMD, got[1].Vendor)
}

func TestDetectSwallowsProberError(t *testing.T) {
	withProbers(t,
		&fakeProber{err: errors.New("driver missing")},
		&fakeProber{devices: []Descriptor{{Vendor: VendorIntel, DeviceName: "card-c"}}},
	)

	got := Detect()
	require.Len(t, got, 1)
	assert.Equal(t, VendorIntel, got[0].Vendor)
}

func TestDetectRecoversFromPanic(t *testing.T) {
	withProbers(t, &fakeProber{panics: true})

	assert.NotPanics(t, func() {
		got := Detect()
		assert.Empty(t, got)
	})
}

func TestDetectIsMemoised(t *testing.T) {
	fp := &fakeProber{devices: []Descriptor{{Vendor: VendorNVIDIA}}}
	withProbers(t, fp)

	first := Detect()
	fp.devices = append(fp.devices, Descriptor{Vendor: VendorAMD})
	second := Detect()

	assert.Equal(t, first, second)
}

func TestPrimaryPrefersKnownVendor(t *testing.T) {
	withProbers(t, &fakeProber{devices: []Descriptor{
		{Vendor: VendorUnknown, DeviceName: "mystery"},
		{Vendor: VendorNVIDIA, DeviceName: "known"},
	}})

	p := Primary()
	require.NotNil(t, p)
	assert.Equal(t, "known", p.DeviceName)
}

func TestPrimaryNilWhenNoGPUs(t *testing.T) {
	withProbers(t)
	assert.Nil(t, Primary())
}

func TestGetSummary(t *testing.T) {
	withProbers(t, &fakeProber{devices: []Descriptor{{Vendor: VendorNVIDIA, DeviceName: "only"}}})

	s := GetSummary()
	require.Len(t, s.GPUs, 1)
	require.NotNil(t, s.Primary)
	assert.Equal(t, "only", s.Primary.DeviceName)
}
