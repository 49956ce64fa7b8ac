package vfio

// VFIO ioctl numbers, computed with the same encoding as the kernel's
// _IO/_IOR/_IOW/_IOWR macros rather than hardcoded: type ';' (0x3B), base
// 100. <linux/vfio.h> defines every VFIO ioctl with _IO (each argument
// struct carries its own argsz), so none of them sets direction or size
// bits.
const (
	vfioType = 0x3b
	vfioBase = 100
)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func iocNumber(dir uintptr, nr uintptr, size uintptr) uintptr {
	return dir<<30 | size<<16 | vfioType<<8 | nr
}

func ioNone(nr uintptr) uintptr           { return iocNumber(iocNone, nr, 0) }
func ioR(nr uintptr, size uintptr) uintptr  { return iocNumber(iocRead, nr, size) }
func ioW(nr uintptr, size uintptr) uintptr  { return iocNumber(iocWrite, nr, size) }
func ioWR(nr uintptr, size uintptr) uintptr { return iocNumber(iocRead|iocWrite, nr, size) }

// groupStatus mirrors struct vfio_group_status.
type groupStatus struct {
	ArgSz uint32
	Flags uint32
}

const (
	groupFlagsViable        = 1 << 0
	groupFlagsContainerSet  = 1 << 1
)

// deviceInfo mirrors struct vfio_device_info.
type deviceInfo struct {
	ArgSz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
}

// regionInfo mirrors struct vfio_region_info.
type regionInfo struct {
	ArgSz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

const regionInfoFlagMMAP = 1 << 1

// dmaMap mirrors struct vfio_iommu_type1_dma_map.
type dmaMap struct {
	ArgSz uint32
	Flags uint32
	VAddr uint64
	IOVA  uint64
	Size  uint64
}

const (
	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1
)

// dmaUnmap mirrors struct vfio_iommu_type1_dma_unmap.
type dmaUnmap struct {
	ArgSz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

const vfioTypeIOMMU = 1 // VFIO_TYPE1_IOMMU

var (
	ioctlGetAPIVersion   = ioNone(vfioBase + 0)
	ioctlCheckExtension  = ioNone(vfioBase + 1)
	ioctlSetIOMMU        = ioNone(vfioBase + 2)
	ioctlGroupGetStatus  = ioNone(vfioBase + 3)
	ioctlGroupSetContainer = ioNone(vfioBase + 4)
	ioctlGroupGetDeviceFD  = ioNone(vfioBase + 6)
	ioctlDeviceGetInfo       = ioNone(vfioBase + 7)
	ioctlDeviceGetRegionInfo = ioNone(vfioBase + 8)
	ioctlDeviceReset         = ioNone(vfioBase + 11)
	ioctlIOMMUMapDMA   = ioNone(vfioBase + 13)
	ioctlIOMMUUnmapDMA = ioNone(vfioBase + 14)
)
