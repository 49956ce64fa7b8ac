// Package nvmedrv implements the low-level NVMe controller driver external
// collaborator: admin queue bring-up, Identify, GetFeatures, I/O queue
// creation/deletion, and the submission/completion ring arithmetic that
// turns a SubmitRW call into bytes in a DMA ring plus a doorbell write.
//
// It drives raw BAR0 register bytes handed to it by the caller (normally
// internal/vfio's mapped BAR0) so this package has no VFIO dependency of
// its own: everything here is NVMe register and ring semantics, nothing
// PCI- or IOMMU-specific.
package nvmedrv

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/logging"
	"github.com/unvme-go/unvme/internal/nvme"
)

const adminReadyTimeout = 5 * time.Second

// ring tracks one submission/completion queue pair's head/tail/phase
// state and the DMA-backed byte slices behind it.
type ring struct {
	sq []byte
	cq []byte

	qsize  int
	sqTail uint16
	cqHead uint16
	phase  bool

	sqDoorbell int
	cqDoorbell int
}

// Driver is the real NVMe controller driver, operating directly on a
// mapped BAR0 register file.
type Driver struct {
	bar0   []byte
	stride uint32
	log    interfaces.Logger

	mu       sync.Mutex
	queues   map[uint16]*ring
	adminCID uint16
}

var _ interfaces.ControllerDriver = (*Driver)(nil)

// New wraps an already-mapped BAR0 register file. The caller (typically
// internal/session, which also owns the internal/vfio.Device) is
// responsible for the PCI/VFIO binding; this package only ever touches
// bar0.
func New(bar0 []byte, log interfaces.Logger) *Driver {
	if log == nil {
		log = logging.Default()
	}
	capReg := readReg64(bar0, regCAP)
	return &Driver{
		bar0:   bar0,
		stride: doorbellStride(capReg),
		log:    log,
		queues: make(map[uint16]*ring),
	}
}

func bytesOf(t interfaces.DMATuple) []byte {
	if t.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(t.Virt)), int(t.Size))
}

// SetupAdminQueue programs AQA/ASQ/ACQ, enables the controller, and
// waits for CSTS.RDY.
func (d *Driver) SetupAdminQueue(qsize int, sq, cq interfaces.DMATuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	aqa := uint32(qsize-1) | uint32(qsize-1)<<16
	writeReg32(d.bar0, regAQA, aqa)
	writeReg64(d.bar0, regASQ, sq.Phys)
	writeReg64(d.bar0, regACQ, cq.Phys)

	cc := uint32(ccEnable) | ccCSSNVM | ccMPS4K
	cc |= uint32(6) << 16 // IOSQES = 2^6 = 64 bytes
	cc |= uint32(4) << 20 // IOCQES = 2^4 = 16 bytes
	writeReg32(d.bar0, regCC, cc)

	deadline := time.Now().Add(adminReadyTimeout)
	for {
		csts := readReg32(d.bar0, regCSTS)
		if csts&cstsCFS != 0 {
			return fmt.Errorf("unvme: nvmedrv: controller fatal status during admin bring-up")
		}
		if csts&cstsRDY != 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unvme: nvmedrv: controller did not become ready within %s", adminReadyTimeout)
		}
		time.Sleep(time.Millisecond)
	}

	d.queues[0] = &ring{
		sq: bytesOf(sq), cq: bytesOf(cq), qsize: qsize, phase: true,
		sqDoorbell: sqTailDoorbell(d.stride, 0),
		cqDoorbell: cqHeadDoorbell(d.stride, 0),
	}
	return nil
}

// submitAdmin writes one admin command into slot sqTail, rings the
// doorbell, and polls the admin CQ to completion. Admin commands are
// always issued one at a time and waited on synchronously.
func (d *Driver) submitAdmin(e *nvme.SubmissionEntry) (nvme.CompletionEntry, error) {
	r, ok := d.queues[0]
	if !ok {
		return nvme.CompletionEntry{}, fmt.Errorf("unvme: nvmedrv: admin queue not set up")
	}

	e.CID = d.adminCID
	d.adminCID++

	slot := int(r.sqTail) * nvme.SQESize
	nvme.PutSubmissionEntry(r.sq[slot:slot+nvme.SQESize], e)
	r.sqTail = (r.sqTail + 1) % uint16(r.qsize)
	writeReg32(d.bar0, r.sqDoorbell, uint32(r.sqTail))

	deadline := time.Now().Add(adminReadyTimeout)
	for {
		slot := int(r.cqHead) * nvme.CQESize
		c := nvme.GetCompletionEntry(r.cq[slot : slot+nvme.CQESize])
		if c.Phase() == r.phase {
			r.cqHead++
			if int(r.cqHead) >= r.qsize {
				r.cqHead = 0
				r.phase = !r.phase
			}
			writeReg32(d.bar0, r.cqDoorbell, uint32(r.cqHead))
			if c.IsError() {
				return c, fmt.Errorf("unvme: nvmedrv: admin command failed: status code %#x type %#x", c.StatusCode(), c.StatusCodeType())
			}
			return c, nil
		}
		if time.Now().After(deadline) {
			return nvme.CompletionEntry{}, fmt.Errorf("unvme: nvmedrv: admin command timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

// IdentifyController issues CNS=1 into scratch and decodes it.
func (d *Driver) IdentifyController(scratch interfaces.DMATuple) (interfaces.ControllerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var e nvme.SubmissionEntry
	e.EncodeIdentify(0, 0, nvme.CNSController, scratch.Phys, 0)
	if _, err := d.submitAdmin(&e); err != nil {
		return interfaces.ControllerInfo{}, err
	}

	ci := nvme.ParseControllerIdentify(bytesOf(scratch))
	return interfaces.ControllerInfo{
		VendorID: ci.VendorID,
		Serial:   ci.Serial,
		Model:    ci.Model,
		Firmware: ci.Firmware,
		MDTS:     ci.MDTS,
	}, nil
}

// IdentifyNamespace issues CNS=0 for nsid into scratch and decodes it.
func (d *Driver) IdentifyNamespace(nsid uint32, scratch interfaces.DMATuple) (interfaces.NamespaceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var e nvme.SubmissionEntry
	e.EncodeIdentify(0, nsid, nvme.CNSNamespace, scratch.Phys, 0)
	if _, err := d.submitAdmin(&e); err != nil {
		return interfaces.NamespaceInfo{}, err
	}

	ns := nvme.ParseNamespaceIdentify(bytesOf(scratch))
	return interfaces.NamespaceInfo{
		BlockCount: ns.NSZE,
		BlockShift: ns.BlockShift(),
	}, nil
}

// GetNumQueuesFeature asks the controller how many I/O queues it granted
// (Feature ID 0x07); the completion's DW0 carries 0's-based counts.
func (d *Driver) GetNumQueuesFeature() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var e nvme.SubmissionEntry
	e.EncodeGetFeatures(0, nvme.FeatureNumQueues)
	c, err := d.submitAdmin(&e)
	if err != nil {
		return 0, 0, err
	}
	nsq := int(c.DW0&0xFFFF) + 1
	ncq := int((c.DW0>>16)&0xFFFF) + 1
	return nsq, ncq, nil
}

// CreateIOQueue creates the completion queue then the submission queue
// (the order the controller requires, since an I/O SQ must name an
// already-existing CQ) and registers the ring state for qid.
func (d *Driver) CreateIOQueue(qid uint16, qsize int, sq, cq interfaces.DMATuple) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cqe nvme.SubmissionEntry
	cqe.EncodeCreateIOCQ(0, qid, qsize, cq.Phys)
	if _, err := d.submitAdmin(&cqe); err != nil {
		return fmt.Errorf("create cq %d: %w", qid, err)
	}

	var sqe nvme.SubmissionEntry
	sqe.EncodeCreateIOSQ(0, qid, qsize, qid, sq.Phys)
	if _, err := d.submitAdmin(&sqe); err != nil {
		return fmt.Errorf("create sq %d: %w", qid, err)
	}

	d.queues[qid] = &ring{
		sq: bytesOf(sq), cq: bytesOf(cq), qsize: qsize, phase: true,
		sqDoorbell: sqTailDoorbell(d.stride, qid),
		cqDoorbell: cqHeadDoorbell(d.stride, qid),
	}
	return nil
}

// DeleteIOQueue deletes the submission queue then the completion queue
// (the reverse of creation order).
func (d *Driver) DeleteIOQueue(qid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sqe nvme.SubmissionEntry
	sqe.EncodeDeleteIOSQ(0, qid)
	if _, err := d.submitAdmin(&sqe); err != nil {
		return fmt.Errorf("delete sq %d: %w", qid, err)
	}

	var cqe nvme.SubmissionEntry
	cqe.EncodeDeleteIOCQ(0, qid)
	if _, err := d.submitAdmin(&cqe); err != nil {
		return fmt.Errorf("delete cq %d: %w", qid, err)
	}

	delete(d.queues, qid)
	return nil
}

// SubmitRW writes a read/write command into qid's submission ring and
// rings its doorbell. It does not wait for completion.
func (d *Driver) SubmitRW(qid uint16, opcode uint8, cid uint16, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.queues[qid]
	if !ok {
		return fmt.Errorf("unvme: nvmedrv: queue %d not created", qid)
	}

	var e nvme.SubmissionEntry
	e.EncodeRW(opcode, cid, nsid, slba, nlb, prp1, prp2)

	slot := int(r.sqTail) * nvme.SQESize
	nvme.PutSubmissionEntry(r.sq[slot:slot+nvme.SQESize], &e)
	r.sqTail = (r.sqTail + 1) % uint16(r.qsize)
	writeReg32(d.bar0, r.sqDoorbell, uint32(r.sqTail))
	return nil
}

// CheckCompletion is a non-blocking probe of qid's completion ring.
func (d *Driver) CheckCompletion(qid uint16) (interfaces.Completion, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.queues[qid]
	if !ok {
		return interfaces.Completion{}, false, fmt.Errorf("unvme: nvmedrv: queue %d not created", qid)
	}

	slot := int(r.cqHead) * nvme.CQESize
	c := nvme.GetCompletionEntry(r.cq[slot : slot+nvme.CQESize])
	if c.Phase() != r.phase {
		return interfaces.Completion{}, false, nil
	}

	r.cqHead++
	if int(r.cqHead) >= r.qsize {
		r.cqHead = 0
		r.phase = !r.phase
	}
	writeReg32(d.bar0, r.cqDoorbell, uint32(r.cqHead))

	var err error
	if c.IsError() {
		err = fmt.Errorf("unvme: nvmedrv: queue %d cid %d: status code %#x type %#x", qid, c.CID, c.StatusCode(), c.StatusCodeType())
	}
	return interfaces.Completion{CID: int(c.CID), Err: err}, true, nil
}

// Close disables the controller (CC.EN=0) and waits for CSTS.RDY to
// clear.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cc := readReg32(d.bar0, regCC)
	writeReg32(d.bar0, regCC, cc&^ccEnable)

	deadline := time.Now().Add(adminReadyTimeout)
	for {
		csts := readReg32(d.bar0, regCSTS)
		if csts&cstsRDY == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unvme: nvmedrv: controller did not shut down within %s", adminReadyTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}
