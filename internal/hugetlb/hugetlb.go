// Package hugetlb implements an alternate DMA provider backed by huge
// pages instead of a VFIO container's anonymous-memory mappings. It
// satisfies the same interfaces.DMAProvider contract as internal/vfio, so
// the DMA registry and the rest of the core are provider-agnostic.
//
// Physical addresses are resolved via /proc/self/pagemap rather than an
// IOMMU, so this provider is only correct on a system where the NVMe
// controller sees host physical addresses directly: a no-IOMMU or
// passthrough configuration, with no IOMMU remapping in the way.
package hugetlb

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/logging"
)

// virtOf returns the virtual address of a mmap'd byte slice's backing
// array, used as the stable identity for a region and as the Virt
// field of the DMATuple handed back to callers.
func virtOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

// PageSize is the huge page size this provider maps: 2 MiB, the
// standard Linux "huge page" size (as opposed to 1 GiB gigantic pages).
const PageSize = 2 * 1024 * 1024

const pagemapEntrySize = 8
const pagemapPresentBit = 1 << 63
const pagemapPFNMask = (1 << 55) - 1

// region is one huge-page-backed mmap, created by and belonging to a
// single Alloc; usedPages tracks which of its constituent huge pages
// are still live.
type region struct {
	mem        []byte
	phys       uint64 // physical address of mem[0]
	usedPages  []bool
	numPages   int
}

// Provider is a huge-page-backed interfaces.DMAProvider.
type Provider struct {
	log interfaces.Logger

	mu      sync.Mutex
	regions []*region
	pagemap *os.File
}

var _ interfaces.DMAProvider = (*Provider)(nil)

// New opens /proc/self/pagemap for physical-address resolution. The
// caller must hold CAP_SYS_ADMIN (or run as root) for pagemap PFNs to
// be populated, and must have huge pages reserved
// (/proc/sys/vm/nr_hugepages) for the mmaps below to succeed.
func New(log interfaces.Logger) (*Provider, error) {
	if log == nil {
		log = logging.Default()
	}
	f, err := os.OpenFile("/proc/self/pagemap", os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("unvme: hugetlb: open /proc/self/pagemap: %w", err)
	}
	return &Provider{log: log, pagemap: f}, nil
}

// Alloc maps enough huge pages to cover size and returns the tuple for
// the whole mapping's base address. Each Alloc gets its own mapping
// (pages are not currently shared across allocations smaller than
// PageSize), matching the no-sub-page-reuse simplicity of the source
// library's huge-page path.
func (p *Provider) Alloc(size uint64) (interfaces.DMATuple, error) {
	numPages := int((size + PageSize - 1) / PageSize)
	if numPages == 0 {
		numPages = 1
	}
	length := numPages * PageSize

	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		return interfaces.DMATuple{}, fmt.Errorf("unvme: hugetlb: mmap %d huge pages: %w", numPages, err)
	}
	// Touch every page so it's actually backed before we resolve its PFN.
	for i := 0; i < length; i += PageSize {
		mem[i] = mem[i]
	}

	phys, err := p.resolvePhys(mem)
	if err != nil {
		unix.Munmap(mem)
		return interfaces.DMATuple{}, err
	}

	r := &region{mem: mem, phys: phys, usedPages: make([]bool, numPages), numPages: numPages}
	for i := range r.usedPages {
		r.usedPages[i] = true
	}

	p.mu.Lock()
	p.regions = append(p.regions, r)
	p.mu.Unlock()

	return interfaces.DMATuple{Virt: virtOf(mem), Phys: phys, Size: uint64(length)}, nil
}

// Free clears the used-bit for every huge page backing tuple and
// leaves the mapping resident until the provider itself is closed.
//
// This resolves the open question inherited from the source library,
// where the equivalent call was a no-op: the decision here is that
// pages are tracked as free (so UsedPageCount reflects reality) but
// the mapping itself is not torn down until Close. Alloc does not
// reuse a freed region; every Alloc maps a new one.
func (p *Provider) Free(tuple interfaces.DMATuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.regions {
		if virtOf(r.mem) == tuple.Virt {
			for i := range r.usedPages {
				r.usedPages[i] = false
			}
			return nil
		}
	}
	return fmt.Errorf("unvme: hugetlb: free of unregistered tuple %#x", tuple.Virt)
}

// Close unmaps every region regardless of used-bit state and closes
// the pagemap file descriptor.
func (p *Provider) Close() error {
	p.mu.Lock()
	regions := p.regions
	p.regions = nil
	p.mu.Unlock()

	var firstErr error
	for _, r := range regions {
		if err := unix.Munmap(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.pagemap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// UsedPageCount reports how many huge pages are currently marked used,
// across every region this provider has mapped. Exposed for tests and
// for callers that want huge-page accounting visibility.
func (p *Provider) UsedPageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.regions {
		for _, used := range r.usedPages {
			if used {
				n++
			}
		}
	}
	return n
}

func (p *Provider) resolvePhys(mem []byte) (uint64, error) {
	vaddr := virtOf(mem)
	pageIndex := uint64(vaddr) / uint64(os.Getpagesize())
	offset := int64(pageIndex * pagemapEntrySize)

	buf := make([]byte, pagemapEntrySize)
	if _, err := p.pagemap.ReadAt(buf, offset); err != nil {
		return 0, fmt.Errorf("unvme: hugetlb: read pagemap at offset %d: %w", offset, err)
	}
	entry := binary.LittleEndian.Uint64(buf)
	if entry&pagemapPresentBit == 0 {
		return 0, fmt.Errorf("unvme: hugetlb: page at %#x not present according to pagemap", vaddr)
	}
	pfn := entry & pagemapPFNMask
	pageOffsetInHost := uint64(vaddr) % uint64(os.Getpagesize())
	return pfn*uint64(os.Getpagesize()) + pageOffsetInHost, nil
}
