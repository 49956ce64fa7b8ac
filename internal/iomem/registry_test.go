package iomem

import (
	"errors"
	"sync"
	"testing"

	"github.com/unvme-go/unvme/internal/interfaces"
)

// fakeProvider is a minimal interfaces.DMAProvider for registry tests: a
// bump allocator over a fabricated physical address space.
type fakeProvider struct {
	mu       sync.Mutex
	next     uint64
	freed    []uint64
	allocErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{next: 0x1000}
}

func (p *fakeProvider) Alloc(size uint64) (interfaces.DMATuple, error) {
	if p.allocErr != nil {
		return interfaces.DMATuple{}, p.allocErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	phys := p.next
	p.next += size
	return interfaces.DMATuple{Virt: uintptr(phys), Phys: phys, Size: size}, nil
}

func (p *fakeProvider) Free(t interfaces.DMATuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = append(p.freed, t.Phys)
	return nil
}

func (p *fakeProvider) Close() error { return nil }

func TestRegistryAllocateAndResolve(t *testing.T) {
	r := New(newFakeProvider())

	tuple, err := r.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	got, offset, ok := r.Resolve(tuple.Virt + 100)
	if !ok {
		t.Fatal("expected Resolve to find the tuple")
	}
	if got.Virt != tuple.Virt {
		t.Errorf("resolved tuple virt = %#x, want %#x", got.Virt, tuple.Virt)
	}
	if offset != 100 {
		t.Errorf("offset = %d, want 100", offset)
	}
}

func TestRegistryResolveMiss(t *testing.T) {
	r := New(newFakeProvider())
	if _, err := r.Allocate(4096); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if _, _, ok := r.Resolve(0xdeadbeef); ok {
		t.Error("expected Resolve to miss an unregistered pointer")
	}
}

func TestRegistryFreeAndDoubleFree(t *testing.T) {
	r := New(newFakeProvider())
	tuple, err := r.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	ok, err := r.Free(tuple.Virt)
	if err != nil || !ok {
		t.Fatalf("Free failed: ok=%v err=%v", ok, err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after Free", r.Count())
	}

	ok, err = r.Free(tuple.Virt)
	if err != nil {
		t.Fatalf("second Free returned error: %v", err)
	}
	if ok {
		t.Error("second Free should report ok=false (double free)")
	}
}

func TestRegistryAllocateError(t *testing.T) {
	p := newFakeProvider()
	p.allocErr = errors.New("no DMA region available")
	r := New(p)

	if _, err := r.Allocate(4096); err == nil {
		t.Error("expected Allocate to propagate provider error")
	}
}

func TestRegistryCloseFreesOutstanding(t *testing.T) {
	p := newFakeProvider()
	r := New(p)

	if _, err := r.Allocate(4096); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := r.Allocate(8192); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(p.freed) != 2 {
		t.Errorf("provider saw %d frees, want 2", len(p.freed))
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after Close", r.Count())
	}
}
