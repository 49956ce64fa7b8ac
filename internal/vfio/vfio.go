// Package vfio binds an NVMe controller's PCI function through the Linux
// VFIO framework: it opens the IOMMU group/container for a BB:DD.F address,
// maps BAR0 (the NVMe MMIO register file, including the doorbell array) so
// the nvmedrv package can drive the controller directly, and implements
// interfaces.DMAProvider by pinning anonymous host memory and mapping it
// into the device's IOVA space with VFIO_IOMMU_MAP_DMA.
package vfio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/logging"
)

const containerPath = "/dev/vfio/vfio"

// pageSize is the IOVA/virtual-address alignment VFIO requires for
// DMA mappings.
const pageSize = 4096

type mapping struct {
	mem  []byte
	iova uint64
}

// Device is an opened VFIO binding for one PCI NVMe controller.
type Device struct {
	containerFd int
	groupFd     int
	deviceFd    int
	bar0        []byte
	log         interfaces.Logger

	mu       sync.Mutex
	nextIOVA uint64
	mapped   map[uintptr]mapping
}

// Open binds the PCI device at pciAddr (format "01:00.0", to which PCI
// domain 0000 is prepended, or the full "0000:01:00.0") through VFIO:
// resolves its IOMMU group, joins the group to a fresh container, sets
// the Type1 IOMMU model, fetches the device fd, and mmaps BAR0.
func Open(pciAddr string, log interfaces.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}
	if strings.Count(pciAddr, ":") == 1 {
		pciAddr = "0000:" + pciAddr
	}

	groupID, err := iommuGroupOf(pciAddr)
	if err != nil {
		return nil, fmt.Errorf("unvme: vfio: resolve iommu group for %s: %w", pciAddr, err)
	}

	containerFd, err := syscall.Open(containerPath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("unvme: vfio: open %s: %w", containerPath, err)
	}

	if err := checkAPIVersion(containerFd); err != nil {
		syscall.Close(containerFd)
		return nil, err
	}
	if ok, _, _ := unix.Syscall(unix.SYS_IOCTL, uintptr(containerFd), ioctlCheckExtension, vfioTypeIOMMU); ok == 0 {
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: Type1 IOMMU not supported by this kernel")
	}

	groupPath := fmt.Sprintf("/dev/vfio/%d", groupID)
	groupFd, err := syscall.Open(groupPath, syscall.O_RDWR, 0)
	if err != nil {
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: open %s: %w", groupPath, err)
	}

	var status groupStatus
	status.ArgSz = uint32(unsafe.Sizeof(status))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFd), ioctlGroupGetStatus, uintptr(unsafe.Pointer(&status))); errno != 0 {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: GROUP_GET_STATUS: %w", errno)
	}
	if status.Flags&groupFlagsViable == 0 {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: iommu group %d is not viable (not all devices bound to vfio-pci)", groupID)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFd), ioctlGroupSetContainer, uintptr(unsafe.Pointer(&containerFd))); errno != 0 {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: GROUP_SET_CONTAINER: %w", errno)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(containerFd), ioctlSetIOMMU, vfioTypeIOMMU); errno != 0 {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: SET_IOMMU: %w", errno)
	}

	nameBytes := append([]byte(pciAddr), 0)
	deviceFdRaw, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFd), ioctlGroupGetDeviceFD, uintptr(unsafe.Pointer(&nameBytes[0])))
	if errno != 0 {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: GROUP_GET_DEVICE_FD(%s): %w", pciAddr, errno)
	}
	deviceFd := int(deviceFdRaw)

	bar0, err := mapRegion(deviceFd, 0)
	if err != nil {
		syscall.Close(deviceFd)
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("unvme: vfio: map BAR0: %w", err)
	}

	log.Printf("unvme: vfio: bound %s (iommu group %d), BAR0 %d bytes", pciAddr, groupID, len(bar0))

	return &Device{
		containerFd: containerFd,
		groupFd:     groupFd,
		deviceFd:    deviceFd,
		bar0:        bar0,
		log:         log,
		nextIOVA:    pageSize,
		mapped:      make(map[uintptr]mapping),
	}, nil
}

func checkAPIVersion(containerFd int) error {
	version, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(containerFd), ioctlGetAPIVersion, 0)
	if errno != 0 {
		return fmt.Errorf("unvme: vfio: GET_API_VERSION: %w", errno)
	}
	if version != 0 {
		return fmt.Errorf("unvme: vfio: unexpected API version %d", version)
	}
	return nil
}

func iommuGroupOf(pciAddr string) (int, error) {
	link := fmt.Sprintf("/sys/bus/pci/devices/%s/iommu_group", pciAddr)
	target, err := os.Readlink(link)
	if err != nil {
		return 0, err
	}
	var group int
	if _, err := fmt.Sscanf(filepath.Base(target), "%d", &group); err != nil {
		return 0, fmt.Errorf("unvme: vfio: unexpected iommu_group link %q: %w", target, err)
	}
	return group, nil
}

func mapRegion(deviceFd int, index uint32) ([]byte, error) {
	info := regionInfo{Index: index}
	info.ArgSz = uint32(unsafe.Sizeof(info))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(deviceFd), ioctlDeviceGetRegionInfo, uintptr(unsafe.Pointer(&info))); errno != 0 {
		return nil, fmt.Errorf("DEVICE_GET_REGION_INFO(%d): %w", index, errno)
	}
	if info.Flags&regionInfoFlagMMAP == 0 {
		return nil, fmt.Errorf("region %d is not mmap-able", index)
	}
	mem, err := unix.Mmap(deviceFd, int64(info.Offset), int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// BAR0 returns the mmap'd BAR0 register file. The nvmedrv package reads
// and writes NVMe controller registers and ring doorbells directly
// against this slice.
func (d *Device) BAR0() []byte { return d.bar0 }

// Alloc implements interfaces.DMAProvider: it pins size bytes of
// anonymous host memory and maps it into the device's IOVA space.
func (d *Device) Alloc(size uint64) (interfaces.DMATuple, error) {
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return interfaces.DMATuple{}, fmt.Errorf("unvme: vfio: mmap DMA buffer: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return interfaces.DMATuple{}, fmt.Errorf("unvme: vfio: mlock DMA buffer: %w", err)
	}

	d.mu.Lock()
	iova := d.nextIOVA
	d.nextIOVA += aligned
	d.mu.Unlock()

	dm := dmaMap{
		Flags: dmaMapFlagRead | dmaMapFlagWrite,
		VAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		IOVA:  iova,
		Size:  aligned,
	}
	dm.ArgSz = uint32(unsafe.Sizeof(dm))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.containerFd), ioctlIOMMUMapDMA, uintptr(unsafe.Pointer(&dm))); errno != 0 {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return interfaces.DMATuple{}, fmt.Errorf("unvme: vfio: IOMMU_MAP_DMA: %w", errno)
	}

	virt := uintptr(unsafe.Pointer(&mem[0]))
	d.mu.Lock()
	d.mapped[virt] = mapping{mem: mem, iova: iova}
	d.mu.Unlock()

	return interfaces.DMATuple{Virt: virt, Phys: iova, Size: aligned}, nil
}

// Free implements interfaces.DMAProvider.
func (d *Device) Free(tuple interfaces.DMATuple) error {
	d.mu.Lock()
	m, ok := d.mapped[tuple.Virt]
	if ok {
		delete(d.mapped, tuple.Virt)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unvme: vfio: free of unregistered tuple %#x", tuple.Virt)
	}

	um := dmaUnmap{IOVA: m.iova, Size: uint64(len(m.mem))}
	um.ArgSz = uint32(unsafe.Sizeof(um))
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.containerFd), ioctlIOMMUUnmapDMA, uintptr(unsafe.Pointer(&um))); errno != 0 {
		return fmt.Errorf("unvme: vfio: IOMMU_UNMAP_DMA: %w", errno)
	}
	unix.Munlock(m.mem)
	return unix.Munmap(m.mem)
}

// Close tears down the binding: unmaps every outstanding DMA buffer,
// unmaps BAR0, and closes the device/group/container file descriptors.
func (d *Device) Close() error {
	d.mu.Lock()
	remaining := make([]interfaces.DMATuple, 0, len(d.mapped))
	for virt, m := range d.mapped {
		remaining = append(remaining, interfaces.DMATuple{Virt: virt, Phys: m.iova, Size: uint64(len(m.mem))})
	}
	d.mu.Unlock()

	for _, t := range remaining {
		d.Free(t)
	}

	var firstErr error
	if d.bar0 != nil {
		if err := unix.Munmap(d.bar0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := syscall.Close(d.deviceFd); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := syscall.Close(d.groupFd); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := syscall.Close(d.containerFd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
