package session

import (
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/unvme-go/unvme/internal/interfaces"
)

func sliceAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

type fakeDMA struct {
	mu       sync.Mutex
	nextPhys uint64
	live     map[uint64][]byte
	closed   bool
}

func newFakeDMA() *fakeDMA {
	return &fakeDMA{nextPhys: 0x1000, live: make(map[uint64][]byte)}
}

func (f *fakeDMA) Alloc(size uint64) (interfaces.DMATuple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, size)
	phys := f.nextPhys
	f.nextPhys += (size + 4095) &^ 4095 // keep every buffer page-aligned
	f.live[phys] = buf
	return interfaces.DMATuple{Virt: uintptr(sliceAddr(buf)), Phys: phys, Size: size}, nil
}

func (f *fakeDMA) Free(t interfaces.DMATuple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, t.Phys)
	return nil
}

func (f *fakeDMA) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeDriver struct {
	mu sync.Mutex

	controller  interfaces.ControllerInfo
	namespaces  map[uint32]interfaces.NamespaceInfo
	nsq, ncq    int
	createCalls int
	deleteCalls int
	closed      bool

	// autoComplete, when true, makes SubmitRW immediately queue a
	// success completion for CheckCompletion to return - simulating a
	// device fast enough that every command is already done by the
	// time the caller polls.
	autoComplete bool
	submitErr    error
	pending      map[uint16][]interfaces.Completion
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		controller: interfaces.ControllerInfo{VendorID: 0x1344, Serial: "fake", Model: "fake-ctrl", Firmware: "1.0", MDTS: 5},
		namespaces: map[uint32]interfaces.NamespaceInfo{
			1: {BlockCount: 1 << 20, BlockShift: 9},
		},
		nsq:     16,
		ncq:     16,
		pending: make(map[uint16][]interfaces.Completion),
	}
}

func (d *fakeDriver) SetupAdminQueue(qsize int, sq, cq interfaces.DMATuple) error { return nil }

func (d *fakeDriver) IdentifyController(scratch interfaces.DMATuple) (interfaces.ControllerInfo, error) {
	return d.controller, nil
}

func (d *fakeDriver) IdentifyNamespace(nsid uint32, scratch interfaces.DMATuple) (interfaces.NamespaceInfo, error) {
	info, ok := d.namespaces[nsid]
	if !ok {
		return interfaces.NamespaceInfo{}, fmt.Errorf("namespace %d not configured", nsid)
	}
	return info, nil
}

func (d *fakeDriver) GetNumQueuesFeature() (int, int, error) { return d.nsq, d.ncq, nil }

func (d *fakeDriver) CreateIOQueue(qid uint16, qsize int, sq, cq interfaces.DMATuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	return nil
}

func (d *fakeDriver) DeleteIOQueue(qid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteCalls++
	return nil
}

func (d *fakeDriver) SubmitRW(qid uint16, opcode uint8, cid uint16, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	if d.autoComplete {
		d.pending[qid] = append(d.pending[qid], interfaces.Completion{CID: int(cid)})
	}
	return nil
}

func (d *fakeDriver) CheckCompletion(qid uint16) (interfaces.Completion, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.pending[qid]
	if len(q) == 0 {
		return interfaces.Completion{}, false, nil
	}
	c := q[0]
	d.pending[qid] = q[1:]
	return c, true, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func TestNormalizePCIAcceptsBothSeparators(t *testing.T) {
	got, err := NormalizePCI("01:00.0")
	if err != nil || got != "01:00.0" {
		t.Fatalf("NormalizePCI(01:00.0) = %q, %v", got, err)
	}
	got, err = NormalizePCI("01.00.0")
	if err != nil || got != "01:00.0" {
		t.Fatalf("NormalizePCI(01.00.0) = %q, %v", got, err)
	}
}

func TestNormalizePCIRejectsGarbage(t *testing.T) {
	if _, err := NormalizePCI("not-a-pci-address"); err == nil {
		t.Error("expected an error for a malformed PCI address")
	}
}

func TestNewControllerComputesMaxQCount(t *testing.T) {
	dma := newFakeDMA()
	driver := newFakeDriver()
	c, err := NewController("01:00.0", dma, driver, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if c.MaxQueueCount() != 17 {
		t.Errorf("MaxQueueCount() = %d, want 17", c.MaxQueueCount())
	}
	if c.RefCount() != 1 {
		t.Errorf("RefCount() = %d, want 1", c.RefCount())
	}
}

func TestOpenIOSessionAssignsMonotonicQueueIDs(t *testing.T) {
	dma := newFakeDMA()
	driver := newFakeDriver()
	c, err := NewController("01:00.0", dma, driver, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	s1, err := c.OpenIOSession(1, 2, 4)
	if err != nil {
		t.Fatalf("OpenIOSession: %v", err)
	}
	if len(s1.Queues()) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(s1.Queues()))
	}
	if s1.Queues()[0].QID != 1 || s1.Queues()[1].QID != 2 {
		t.Errorf("unexpected queue ids: %d, %d", s1.Queues()[0].QID, s1.Queues()[1].QID)
	}

	s2, err := c.OpenIOSession(1, 2, 4)
	if err != nil {
		t.Fatalf("OpenIOSession (second): %v", err)
	}
	if s2.Queues()[0].QID != 3 || s2.Queues()[1].QID != 4 {
		t.Errorf("expected monotonic continuation, got %d, %d", s2.Queues()[0].QID, s2.Queues()[1].QID)
	}
	if c.RefCount() != 3 {
		t.Errorf("RefCount() = %d, want 3 (admin + 2 sessions)", c.RefCount())
	}
}

func TestOpenIOSessionRejectsTooManyQueues(t *testing.T) {
	dma := newFakeDMA()
	driver := newFakeDriver()
	c, err := NewController("01:00.0", dma, driver, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if _, err := c.OpenIOSession(1, c.MaxQueueCount()+1, 4); err == nil {
		t.Error("expected an error when qcount exceeds controller max")
	}
}

func TestOpenIOSessionRejectsSmallNamespace(t *testing.T) {
	dma := newFakeDMA()
	driver := newFakeDriver()
	driver.namespaces[2] = interfaces.NamespaceInfo{BlockCount: 4, BlockShift: 9}
	c, err := NewController("01:00.0", dma, driver, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if _, err := c.OpenIOSession(2, 1, 4); err == nil {
		t.Error("expected an error for a namespace with fewer than 8 blocks")
	}
}

func TestCloseLastIOSessionTearsDownController(t *testing.T) {
	dma := newFakeDMA()
	driver := newFakeDriver()
	c, err := NewController("01:00.0", dma, driver, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	sess, err := c.OpenIOSession(1, 1, 4)
	if err != nil {
		t.Fatalf("OpenIOSession: %v", err)
	}
	if err := c.Close(sess); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !driver.closed {
		t.Error("expected driver.Close to be called once the last I/O session closed")
	}
	if !dma.closed {
		t.Error("expected dma.Close to be called once the last I/O session closed")
	}
	if c.RefCount() != 0 {
		t.Errorf("RefCount() = %d, want 0", c.RefCount())
	}
}
