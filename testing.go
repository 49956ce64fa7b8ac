package unvme

import (
	"sync"

	"github.com/unvme-go/unvme/internal/interfaces"
)

// MockDMAProvider is a real (non-simulated-hardware) DMAProvider backed by
// ordinary Go heap memory. It is useful for unit testing session and
// facade logic without requiring VFIO or huge pages. Physical addresses are
// fabricated as a monotonically increasing bump allocator offset, which is
// sufficient for tests that only check registration/resolution bookkeeping
// and not real DMA.
type MockDMAProvider struct {
	mu        sync.Mutex
	nextPhys  uint64
	live      map[uint64][]byte
	closed    bool
	allocErr  error // if set, Alloc always fails with this error
	allocs    int
	frees     int
}

// NewMockDMAProvider creates a mock DMA provider.
func NewMockDMAProvider() *MockDMAProvider {
	return &MockDMAProvider{
		nextPhys: 0x1000, // leave a null-like low region unused
		live:     make(map[uint64][]byte),
	}
}

// SetAllocError forces every subsequent Alloc call to fail, for exercising
// out-of-memory paths.
func (p *MockDMAProvider) SetAllocError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocErr = err
}

func (p *MockDMAProvider) Alloc(size uint64) (interfaces.DMATuple, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocs++
	if p.allocErr != nil {
		return interfaces.DMATuple{}, p.allocErr
	}

	buf := make([]byte, size)
	phys := p.nextPhys
	p.nextPhys += (size + 4095) &^ 4095 // keep every buffer page-aligned
	p.live[phys] = buf

	return interfaces.DMATuple{
		Virt: uintptr(phys), // no real process memory backing; tests key off Phys
		Phys: phys,
		Size: size,
	}, nil
}

func (p *MockDMAProvider) Free(t interfaces.DMATuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frees++
	if _, ok := p.live[t.Phys]; !ok {
		return NewError("FREE", ErrCodeUnregisteredBuffer, "tuple not found")
	}
	delete(p.live, t.Phys)
	return nil
}

func (p *MockDMAProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.live = nil
	return nil
}

// Bytes returns the backing slice for a previously allocated tuple, letting
// tests inspect or mutate the buffer directly via its physical address.
func (p *MockDMAProvider) Bytes(phys uint64) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[phys]
}

// CallCounts reports how many times Alloc/Free were invoked.
func (p *MockDMAProvider) CallCounts() (allocs, frees int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.frees
}

// MockControllerDriver is a configurable, call-counting ControllerDriver for
// unit tests that exercise session bring-up and queue-pair bookkeeping
// without needing a real or fully simulated NVMe device. Completions are
// synchronous: every SubmitRW enqueues an immediate success completion that
// the next CheckCompletion call returns.
type MockControllerDriver struct {
	mu sync.Mutex

	Controller ControllerInfoOverride
	Namespaces map[uint32]NamespaceInfoOverride
	NumSQ      int
	NumCQ      int

	pending map[uint16][]interfaces.Completion

	setupAdminQueueCalls int
	createIOQueueCalls   int
	deleteIOQueueCalls   int
	submitRWCalls        int
	checkCompletionCalls int
	closed               bool

	// SubmitErr, if set, is returned by SubmitRW instead of enqueuing a
	// completion - used to exercise the controller-rejection path.
	SubmitErr error
}

// ControllerInfoOverride lets tests control what IdentifyController reports.
type ControllerInfoOverride = interfaces.ControllerInfo

// NamespaceInfoOverride lets tests control what IdentifyNamespace reports.
type NamespaceInfoOverride = interfaces.NamespaceInfo

// NewMockControllerDriver creates a mock controller driver with reasonable
// defaults (4096-byte pages worth of blocks, one namespace of 1M blocks).
func NewMockControllerDriver() *MockControllerDriver {
	return &MockControllerDriver{
		Controller: interfaces.ControllerInfo{
			VendorID: 0x1344,
			Serial:   "MOCK0000000000000001",
			Model:    "unvme-mock-controller",
			Firmware: "1.0",
			MDTS:     5,
		},
		Namespaces: map[uint32]NamespaceInfoOverride{
			1: {BlockCount: 1 << 20, BlockShift: 9},
		},
		NumSQ:   16,
		NumCQ:   16,
		pending: make(map[uint16][]interfaces.Completion),
	}
}

func (d *MockControllerDriver) SetupAdminQueue(qsize int, sq, cq interfaces.DMATuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setupAdminQueueCalls++
	return nil
}

func (d *MockControllerDriver) IdentifyController(scratch interfaces.DMATuple) (interfaces.ControllerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Controller, nil
}

func (d *MockControllerDriver) IdentifyNamespace(nsid uint32, scratch interfaces.DMATuple) (interfaces.NamespaceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.Namespaces[nsid]
	if !ok {
		return interfaces.NamespaceInfo{}, NewNamespaceError("IDENTIFY_NS", nsid, ErrCodeNamespaceNotFound, "namespace not configured on mock")
	}
	return info, nil
}

func (d *MockControllerDriver) GetNumQueuesFeature() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.NumSQ, d.NumCQ, nil
}

func (d *MockControllerDriver) CreateIOQueue(qid uint16, qsize int, sq, cq interfaces.DMATuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createIOQueueCalls++
	d.pending[qid] = nil
	return nil
}

func (d *MockControllerDriver) DeleteIOQueue(qid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteIOQueueCalls++
	delete(d.pending, qid)
	return nil
}

func (d *MockControllerDriver) SubmitRW(qid uint16, opcode uint8, cid uint16, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitRWCalls++
	if d.SubmitErr != nil {
		return d.SubmitErr
	}
	d.pending[qid] = append(d.pending[qid], interfaces.Completion{CID: int(cid)})
	return nil
}

func (d *MockControllerDriver) CheckCompletion(qid uint16) (interfaces.Completion, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkCompletionCalls++

	q := d.pending[qid]
	if len(q) == 0 {
		return interfaces.Completion{}, false, nil
	}
	comp := q[0]
	d.pending[qid] = q[1:]
	return comp, true, nil
}

func (d *MockControllerDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// CallCounts reports invocation counts for assertions.
func (d *MockControllerDriver) CallCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]int{
		"setup_admin_queue": d.setupAdminQueueCalls,
		"create_io_queue":   d.createIOQueueCalls,
		"delete_io_queue":   d.deleteIOQueueCalls,
		"submit_rw":         d.submitRWCalls,
		"check_completion":  d.checkCompletionCalls,
	}
}

var (
	_ interfaces.DMAProvider    = (*MockDMAProvider)(nil)
	_ interfaces.ControllerDriver = (*MockControllerDriver)(nil)
)
