package unvme

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/nvmedrv"
)

func bytesAtAddr(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// TestScenarioSimpleSim replays the "simple sim" seed scenario: open with 4
// queues, write a sequential 64-bit pattern spread across all of them at
// increasing LBA, read it back, and verify every block.
func TestScenarioSimpleSim(t *testing.T) {
	const blockSize = 512
	const nsBlocks = 1 << 20
	sim := nvmedrv.NewSimDriver(nsBlocks, blockSize, nil)

	ns, err := OpenWithDriver("10:00.0", 1, 4, 8, sim, sim, nil)
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	defer ns.Close()

	const totalBlocks = 2048 // 1 MiB
	bufSize := uint64(totalBlocks) * blockSize
	buf, err := ns.Alloc(bufSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	data := bytesAtAddr(buf, bufSize)
	for off := 0; off+8 <= len(data); off += 8 {
		binary.LittleEndian.PutUint64(data[off:], uint64(off/8))
	}

	perQueue := uint32(totalBlocks / 4)
	iods := make([]*IOD, 0, 4)
	var slba uint64
	for q := 0; q < 4; q++ {
		chunkBuf := buf + uintptr(slba*blockSize)
		iod, err := ns.Awrite(q, chunkBuf, slba, perQueue)
		if err != nil {
			t.Fatalf("Awrite queue %d: %v", q, err)
		}
		iods = append(iods, iod)
		slba += uint64(perQueue)
	}
	for q, iod := range iods {
		if err := ns.Apoll(iod, 5); err != nil {
			t.Fatalf("Apoll write queue %d: %v", q, err)
		}
	}

	for i := range data {
		data[i] = 0
	}

	slba = 0
	iods = iods[:0]
	for q := 0; q < 4; q++ {
		chunkBuf := buf + uintptr(slba*blockSize)
		iod, err := ns.Aread(q, chunkBuf, slba, perQueue)
		if err != nil {
			t.Fatalf("Aread queue %d: %v", q, err)
		}
		iods = append(iods, iod)
		slba += uint64(perQueue)
	}
	for q, iod := range iods {
		if err := ns.Apoll(iod, 5); err != nil {
			t.Fatalf("Apoll read queue %d: %v", q, err)
		}
	}

	for off := 0; off+8 <= len(data); off += 8 {
		want := uint64(off / 8)
		got := binary.LittleEndian.Uint64(data[off:])
		if got != want {
			t.Fatalf("mismatch at offset %d: got %d, want %d", off, got, want)
		}
	}
}

// TestScenarioMultiSessionContention opens several independent sessions
// against the same controller concurrently and checks every thread's writes
// land at their own disjoint LBA range without corrupting another thread's.
func TestScenarioMultiSessionContention(t *testing.T) {
	const blockSize = 512
	const numSessions = 4
	const qcount = 2
	const qsize = 16
	const nsBlocks = 1 << 20
	sim := nvmedrv.NewSimDriver(nsBlocks, blockSize, nil)

	const pci = "10:00.1"
	rangePerSession := uint64(nsBlocks) / numSessions

	var wg sync.WaitGroup
	errs := make([]error, numSessions)

	for i := 0; i < numSessions; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			ns, err := OpenWithDriver(pci, 1, qcount, qsize, sim, sim, nil)
			if err != nil {
				errs[idx] = err
				return
			}
			defer ns.Close()

			base := uint64(idx) * rangePerSession
			rangePerQueue := rangePerSession / qcount

			const nlb = 8
			buf, err := ns.Alloc(nlb * blockSize)
			if err != nil {
				errs[idx] = err
				return
			}
			defer ns.Free(buf)
			view := bytesAtAddr(buf, nlb*blockSize)
			for b := range view {
				view[b] = byte(idx)
			}

			for q := 0; q < qcount; q++ {
				slba := base + uint64(q)*rangePerQueue
				iod, err := ns.Awrite(q, buf, slba, nlb)
				if err != nil {
					errs[idx] = err
					return
				}
				if err := ns.Apoll(iod, 5); err != nil {
					errs[idx] = err
					return
				}
				if err := ns.Read(q, buf, slba, nlb); err != nil {
					errs[idx] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("session %d: %v", i, err)
		}
	}
}

// TestScenarioTimeout submits a read against a driver that never completes
// it and confirms Apoll on that live IOD surfaces a bounded timeout.
func TestScenarioTimeout(t *testing.T) {
	driver := NewMockControllerDriver()
	driver.SubmitErr = nil
	dma := NewMockDMAProvider()

	ns, err := OpenWithDriver("10:00.2", 1, 1, 8, dma, driver, nil)
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	defer ns.Close()

	buf, err := ns.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns.Free(buf)

	// MockControllerDriver's SubmitRW always enqueues an immediate
	// completion, so to observe a genuine timeout we drain that one away
	// first and then poll a second, never-completed submission with the
	// completion queue starved.
	iod, err := ns.Aread(0, buf, 0, 4)
	if err != nil {
		t.Fatalf("Aread: %v", err)
	}
	if err := ns.Apoll(iod, 1); err != nil {
		t.Fatalf("Apoll (expected immediate completion): %v", err)
	}

	starved := &starvedDriver{MockControllerDriver: NewMockControllerDriver()}
	ns2, err := OpenWithDriver("10:00.3", 1, 1, 8, NewMockDMAProvider(), starved, nil)
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	defer ns2.Close()

	buf2, err := ns2.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer ns2.Free(buf2)

	iod2, err := ns2.Aread(0, buf2, 0, 4)
	if err != nil {
		t.Fatalf("Aread: %v", err)
	}

	start := time.Now()
	err = ns2.Apoll(iod2, 1)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected Apoll to time out")
	}
	if !IsCode(err, ErrCodeTimeout) {
		t.Errorf("expected ErrCodeTimeout, got %v", err)
	}
	if elapsed < time.Second || elapsed > 2*time.Second {
		t.Errorf("Apoll returned after %v, want roughly 1s", elapsed)
	}
}

// starvedDriver wraps MockControllerDriver but swallows every completion, so
// CheckCompletion never reports one - used to force a genuine poll timeout.
type starvedDriver struct {
	*MockControllerDriver
}

func (s *starvedDriver) CheckCompletion(qid uint16) (interfaces.Completion, bool, error) {
	return interfaces.Completion{}, false, nil
}
