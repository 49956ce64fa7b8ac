package unvme

import (
	"testing"
)

func openMockNamespace(t *testing.T) (*Namespace, *MockDMAProvider, *MockControllerDriver) {
	t.Helper()
	dma := NewMockDMAProvider()
	driver := NewMockControllerDriver()
	ns, err := OpenWithDriver("01:00.0", 1, 2, 8, dma, driver, nil)
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	t.Cleanup(func() {
		ns.Close()
	})
	return ns, dma, driver
}

func TestOpenWithDriverAndClose(t *testing.T) {
	dma := NewMockDMAProvider()
	driver := NewMockControllerDriver()
	ns, err := OpenWithDriver("01:00.0", 1, 2, 8, dma, driver, nil)
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	info := ns.Info()
	if info.NSID != 1 {
		t.Errorf("Info().NSID = %d, want 1", info.NSID)
	}
	if info.QueueCount != 2 {
		t.Errorf("Info().QueueCount = %d, want 2", info.QueueCount)
	}
	if err := ns.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	allocs, frees := driver.CallCounts()["setup_admin_queue"], 0
	_ = frees
	if allocs == 0 {
		t.Error("expected SetupAdminQueue to have been called")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	ns, _, _ := openMockNamespace(t)
	buf, err := ns.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := ns.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := ns.Free(buf); err == nil {
		t.Error("expected second Free of the same buffer to error")
	}
}

func TestSyncWriteThenRead(t *testing.T) {
	ns, _, _ := openMockNamespace(t)
	buf, err := ns.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	if err := ns.Write(0, buf, 0, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ns.Read(1, buf, 0, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}

	snap := ns.Metrics().Snapshot()
	if snap.WriteOps != 1 || snap.ReadOps != 1 {
		t.Errorf("snapshot = %+v, want 1 write op and 1 read op", snap)
	}
}

func TestAsyncWriteThenPoll(t *testing.T) {
	ns, _, _ := openMockNamespace(t)
	buf, err := ns.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	iod, err := ns.Awrite(0, buf, 0, 4)
	if err != nil {
		t.Fatalf("Awrite: %v", err)
	}
	if err := ns.Apoll(iod, 1); err != nil {
		t.Fatalf("Apoll: %v", err)
	}
}

func TestApollNonBlockingReturnsReadyCompletion(t *testing.T) {
	dma := NewMockDMAProvider()
	driver := NewMockControllerDriver()
	driver.SubmitErr = nil
	ns, err := OpenWithDriver("02:00.0", 1, 1, 8, dma, driver, nil)
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	defer ns.Close()

	// Exhaust the mock's auto-enqueued completion by polling it away
	// first isn't needed here: submit directly against a driver with
	// no completion ready is exercised by session's own poll-timeout
	// test; this just confirms Apoll(iod, 0) returns promptly rather
	// than hanging when MockControllerDriver enqueues synchronously
	// (it always has a completion ready, so this just documents the
	// non-blocking call shape behaves).
	buf, err := ns.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)
	iod, err := ns.Aread(0, buf, 0, 4)
	if err != nil {
		t.Fatalf("Aread: %v", err)
	}
	if err := ns.Apoll(iod, 0); err != nil {
		t.Fatalf("Apoll: %v", err)
	}
}

func TestOpenRejectsMalformedPCI(t *testing.T) {
	dma := NewMockDMAProvider()
	driver := NewMockControllerDriver()
	if _, err := OpenWithDriver("not-a-pci-address", 1, 1, 8, dma, driver, nil); err == nil {
		t.Error("expected an error for a malformed PCI address")
	}
}
