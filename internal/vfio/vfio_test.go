package vfio

import (
	"os"
	"testing"

	"github.com/unvme-go/unvme/internal/interfaces"
)

var _ interfaces.DMAProvider = (*Device)(nil)

func TestIoctlNumbersAreNonZero(t *testing.T) {
	// A regression guard more than a correctness proof: a zero ioctl
	// number almost always means a miscomputed _IOC and would silently
	// issue the wrong request against the kernel.
	nums := map[string]uintptr{
		"GetAPIVersion":   ioctlGetAPIVersion,
		"SetIOMMU":        ioctlSetIOMMU,
		"GroupGetStatus":  ioctlGroupGetStatus,
		"GroupSetContainer": ioctlGroupSetContainer,
		"DeviceGetInfo":   ioctlDeviceGetInfo,
		"DeviceGetRegionInfo": ioctlDeviceGetRegionInfo,
		"IOMMUMapDMA":     ioctlIOMMUMapDMA,
		"IOMMUUnmapDMA":   ioctlIOMMUUnmapDMA,
	}
	for name, v := range nums {
		if v == 0 {
			t.Errorf("%s ioctl number computed as 0", name)
		}
	}
	// CheckExtension and GroupGetDeviceFD and DeviceReset are _IO-style
	// with no direction/size bits and can legitimately land on a small
	// base+nr value; just confirm they're distinct from each other.
	if ioctlCheckExtension == ioctlGroupGetDeviceFD {
		t.Error("CheckExtension and GroupGetDeviceFD collide")
	}
}

func TestOpenRequiresVFIO(t *testing.T) {
	if _, err := os.Stat("/dev/vfio/vfio"); err == nil {
		t.Skip("a real /dev/vfio/vfio is present; this environment can run full binding tests elsewhere")
	}
	if _, err := Open("0000:00:00.0", nil); err == nil {
		t.Error("expected Open to fail without a VFIO container present")
	}
}
