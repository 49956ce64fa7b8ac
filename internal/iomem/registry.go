// Package iomem implements the per-session DMA buffer registry: tracking
// buffers handed out by a DMAProvider and resolving a caller's virtual
// pointer back to its device-physical address at submission time.
package iomem

import (
	"sync"

	"github.com/unvme-go/unvme/internal/interfaces"
)

// growStep is how many slots the registry's backing array grows by once
// it runs out of room, mirroring the C implementation's realloc-by-256.
const growStep = 256

// Registry tracks the DMA tuples allocated by one session. The hot path is
// Resolve, called on every command submission; the array is expected to
// stay small (tens of entries), so linear scan beats a tree here.
type Registry struct {
	provider interfaces.DMAProvider

	mu      sync.Mutex
	tuples  []interfaces.DMATuple
}

// New creates a registry backed by the given DMA provider.
func New(provider interfaces.DMAProvider) *Registry {
	return &Registry{
		provider: provider,
		tuples:   make([]interfaces.DMATuple, 0, growStep),
	}
}

// Allocate requests a buffer of the given size from the provider and
// registers the returned tuple.
func (r *Registry) Allocate(size uint64) (interfaces.DMATuple, error) {
	tuple, err := r.provider.Alloc(size)
	if err != nil {
		return interfaces.DMATuple{}, err
	}

	r.mu.Lock()
	if len(r.tuples) == cap(r.tuples) {
		grown := make([]interfaces.DMATuple, len(r.tuples), cap(r.tuples)+growStep)
		copy(grown, r.tuples)
		r.tuples = grown
	}
	r.tuples = append(r.tuples, tuple)
	r.mu.Unlock()

	return tuple, nil
}

// Free releases a previously allocated tuple identified by its virtual
// base address. Returns false if ptr was never registered (or already
// freed), matching the C library's -1/"invalid pointer" behavior.
func (r *Registry) Free(ptr uintptr) (bool, error) {
	r.mu.Lock()
	idx := -1
	for i, t := range r.tuples {
		if t.Virt == ptr {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false, nil
	}
	tuple := r.tuples[idx]
	last := len(r.tuples) - 1
	r.tuples[idx] = r.tuples[last]
	r.tuples = r.tuples[:last]
	r.mu.Unlock()

	if err := r.provider.Free(tuple); err != nil {
		return false, err
	}
	return true, nil
}

// Resolve returns the tuple containing ptr and ptr's byte offset within it.
// ok is false if no registered tuple contains ptr.
func (r *Registry) Resolve(ptr uintptr) (tuple interfaces.DMATuple, offset uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tuples {
		if ptr >= t.Virt && ptr < t.Virt+uintptr(t.Size) {
			return t, uint64(ptr - t.Virt), true
		}
	}
	return interfaces.DMATuple{}, 0, false
}

// Count returns the number of currently registered tuples.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tuples)
}

// Close frees every tuple still registered, closing the leak that would
// otherwise result from a session terminating with outstanding buffers.
func (r *Registry) Close() error {
	r.mu.Lock()
	tuples := r.tuples
	r.tuples = nil
	r.mu.Unlock()

	var firstErr error
	for _, t := range tuples {
		if err := r.provider.Free(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
