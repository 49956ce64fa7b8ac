// +build integration

// Package integration holds tests that bind a real NVMe controller through
// VFIO. They only run when UNVME_PCI names a device already bound to
// vfio-pci and the process has CAP_SYS_RAWIO (effectively: run as root),
// so they are skipped everywhere else, including normal CI.
package integration

import (
	"os"
	"testing"
	"unsafe"

	unvme "github.com/unvme-go/unvme"
)

func asBytes(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func requireRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("this test requires root to open a VFIO device file")
	}
}

func requireRealDevice(t *testing.T) string {
	requireRoot(t)
	pci := os.Getenv("UNVME_PCI")
	if pci == "" {
		t.Skip("set UNVME_PCI to a vfio-pci-bound NVMe BDF (e.g. 01:00.0) to run this test")
	}
	return pci
}

func TestIntegrationOpenAndIdentify(t *testing.T) {
	pci := requireRealDevice(t)

	ns, err := unvme.Open(pci, 1, nil)
	if err != nil {
		t.Fatalf("Open(%s): %v", pci, err)
	}
	defer ns.Close()

	info := ns.Info()
	if info.Model == "" {
		t.Error("expected a non-empty controller model string")
	}
	if info.BlockSize == 0 {
		t.Error("expected a nonzero block size")
	}
	t.Logf("opened %s: model=%q serial=%q blocks=%d block_size=%d", pci, info.Model, info.Serial, info.BlockCount, info.BlockSize)
}

func TestIntegrationWriteReadRoundTrip(t *testing.T) {
	pci := requireRealDevice(t)

	ns, err := unvme.OpenWithQueues(pci, 1, 1, 8, nil)
	if err != nil {
		t.Fatalf("OpenWithQueues(%s): %v", pci, err)
	}
	defer ns.Close()

	const nlb = 8
	blockSize := ns.Info().BlockSize
	buf, err := ns.Alloc(nlb * blockSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	// Deliberately write a test pattern rather than all-zero, so a driver
	// bug that leaves stale media data (or never actually transfers)
	// can't pass by coincidence.
	view := asBytes(buf, nlb*blockSize)
	for i := range view {
		view[i] = byte(i)
	}
	for i := range view {
		view[i] = 0
	}
	for i := range view {
		view[i] = byte(0xA5)
	}

	if err := ns.Write(0, buf, 1024, nlb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := range view {
		view[i] = 0
	}
	if err := ns.Read(0, buf, 1024, nlb); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range view {
		if b != 0xA5 {
			t.Fatalf("byte %d = %#x, want 0xa5", i, b)
		}
	}
}
