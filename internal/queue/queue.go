// Package queue implements the per-queue submission/completion engine:
// command-id allocation, PRP list construction, back-pressure when a
// queue fills, and the cid-to-descriptor bookkeeping that lets a
// caller poll for "any completion" rather than a specific command.
//
// A Queue has single-owner-thread discipline: nothing here takes a
// lock, the same way a raw NVMe submission/completion queue pair is
// only ever driven by the thread that owns it.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/logging"
)

// ErrPollTimeout is returned by CompleteOne when no completion arrives
// before the deadline (or immediately, when timeout is zero).
var ErrPollTimeout = errors.New("unvme: queue poll timed out")

// IsPollTimeout reports whether err is (or wraps) ErrPollTimeout.
func IsPollTimeout(err error) bool { return errors.Is(err, ErrPollTimeout) }

// Queue drives one submission/completion queue pair: cid allocation,
// PRP construction, and completion reaping against a ControllerDriver.
type Queue struct {
	QID    uint16
	NSID   uint32
	driver interfaces.ControllerDriver
	log    interfaces.Logger

	qsize     int
	maskWords int
	pageSize  uint64
	blockSize uint64

	cidMask   []uint64
	cidCount  int
	cidCursor uint16

	descs *pool

	// prpList is the per-cid scratch buffer for transfers spanning more
	// than two pages: the PRP list of 8-byte physical addresses for
	// page index >= 2, one slot of pageSize bytes per outstanding cid.
	prpList     []byte
	prpListPhys uint64

	timeout time.Duration
}

// New creates a Queue. qsize is the number of slots in the underlying
// hardware ring (and the bound on concurrent descriptors/cids).
// prpList must be a zeroed DMA buffer of qsize*pageSize bytes, and
// prpListPhys its device-physical base address.
func New(qid uint16, nsid uint32, qsize int, blockSize, pageSize uint64, driver interfaces.ControllerDriver, prpList []byte, prpListPhys uint64, log interfaces.Logger, timeout time.Duration) *Queue {
	if log == nil {
		log = logging.Default()
	}
	maskWords := (qsize + 63) / 64
	return &Queue{
		QID:         qid,
		NSID:        nsid,
		driver:      driver,
		log:         log,
		qsize:       qsize,
		maskWords:   maskWords,
		pageSize:    pageSize,
		blockSize:   blockSize,
		cidMask:     make([]uint64, maskWords),
		descs:       newPool(qsize, maskWords),
		prpList:     prpList,
		prpListPhys: prpListPhys,
		timeout:     timeout,
	}
}

// Depth returns the number of command ids currently outstanding.
func (q *Queue) Depth() int { return q.cidCount }

func bit(mask []uint64, cid uint16) bool {
	return mask[cid>>6]&(uint64(1)<<(cid&63)) != 0
}

func setBit(mask []uint64, cid uint16)   { mask[cid>>6] |= uint64(1) << (cid & 63) }
func clearBit(mask []uint64, cid uint16) { mask[cid>>6] &^= uint64(1) << (cid & 63) }

// maxBlocksPerIO returns the largest block count a single command can
// move given the page size and block size: the page PRP1 addresses plus
// one page for each 8-byte entry that fits in one PRP list page. The
// controller's MDTS is not taken into account here.
func (q *Queue) maxBlocksPerIO() uint32 {
	blocksPerPage := uint32(q.pageSize / q.blockSize)
	listEntries := uint32(q.pageSize / 8)
	return blocksPerPage * (1 + listEntries)
}

// SubmitOne allocates a descriptor and cid for one read/write request
// and submits it to the controller. phys is the device-physical
// address of the data buffer; slba/nlb describe the transfer in
// logical blocks.
//
// Grounded on unvme_submit_io: back-pressure when the queue is full
// drains one completion (by deadline) before a cid is even allocated,
// and a device error surfacing during that drain is not allowed to
// leave its originating descriptor half-drained.
func (q *Queue) SubmitOne(opcode uint8, phys uint64, slba uint64, nlb uint32) (*Descriptor, error) {
	d := q.descs.get()
	if d == nil {
		q.log.Printf("unvme: queue %d: descriptor arena exhausted", q.QID)
		return nil, fmt.Errorf("unvme: queue %d: descriptor arena exhausted", q.QID)
	}
	d.Opcode = opcode
	d.SLBA = slba
	d.NLB = nlb
	d.Buf = uintptr(phys)

	if err := q.submitChunk(d, opcode, phys, slba, nlb); err != nil {
		q.descs.put(d.slot)
		return nil, err
	}
	return d, nil
}

// SubmitChunk adds one more command to an already-allocated descriptor,
// used by the request scheduler to split a transfer larger than
// maxBlocksPerIO into several commands that are all polled as the one
// logical request the caller's descriptor represents.
func (q *Queue) SubmitChunk(d *Descriptor, opcode uint8, phys uint64, slba uint64, nlb uint32) error {
	return q.submitChunk(d, opcode, phys, slba, nlb)
}

func (q *Queue) submitChunk(d *Descriptor, opcode uint8, phys uint64, slba uint64, nlb uint32) error {
	maxbpio := q.maxBlocksPerIO()
	if nlb == 0 || nlb > maxbpio {
		return fmt.Errorf("unvme: queue %d: block count %d exceeds max %d", q.QID, nlb, maxbpio)
	}
	if phys%q.blockSize != 0 {
		return fmt.Errorf("unvme: queue %d: physical address %#x is not a multiple of block size %d", q.QID, phys, q.blockSize)
	}

	if err := q.makeRoom(); err != nil {
		return err
	}

	cid := q.allocCID()
	prp1, prp2 := q.buildPRP(cid, phys, nlb)

	if err := q.driver.SubmitRW(q.QID, opcode, cid, q.NSID, slba, uint16(nlb), prp1, prp2); err != nil {
		clearBit(q.cidMask, cid) // give the cid back; the descriptor never got an outstanding command
		return err
	}

	setBit(d.CIDMask, cid)
	d.CIDCount++
	q.cidCount++
	if q.descs.descNext == -1 {
		q.descs.descNext = d.slot
	}

	return nil
}

// MaxBlocksPerIO returns the largest block count a single command on
// this queue may move, the bound submitChunk enforces. The request
// scheduler chunks against Session.MaxBlocksPerIO, which never exceeds it.
func (q *Queue) MaxBlocksPerIO() uint32 { return q.maxBlocksPerIO() }

// makeRoom implements unvme_submit_io's back-pressure branch: when
// allocating one more cid would fill the queue, complete one command
// first. If that completion reports a device error, the descriptor
// descNext named before the call (the oldest one with outstanding
// work, which is not necessarily the one the failed command belonged
// to) is drained to zero outstanding cids, and then the error is
// returned to the submitter, so no descriptor is ever left
// half-completed.
func (q *Queue) makeRoom() error {
	if q.cidCount+1 != q.qsize {
		return nil
	}

	victim := q.descs.descNext
	err := q.CompleteOne(q.timeout)
	if err == nil || IsPollTimeout(err) {
		if IsPollTimeout(err) {
			return fmt.Errorf("unvme: queue %d stuck: %w", q.QID, err)
		}
		return nil
	}

	// A command failed; drain the descriptor it belonged to before
	// surfacing the failure, so a later reap never sees a dangling cid.
	// Bounded by its own deadline: a driver that keeps erroring without
	// ever timing out must not spin this loop forever.
	if victim != -1 {
		deadline := time.Now().Add(q.timeout)
		for q.descs.descs[victim].CIDCount > 0 {
			if time.Now().After(deadline) {
				return fmt.Errorf("unvme: queue %d stuck draining descriptor %d", q.QID, q.descs.descs[victim].ID)
			}
			if e := q.CompleteOne(q.timeout); IsPollTimeout(e) {
				return fmt.Errorf("unvme: queue %d stuck draining descriptor %d: %w", q.QID, q.descs.descs[victim].ID, e)
			}
			runtime.Gosched()
		}
	}
	return err
}

func (q *Queue) allocCID() uint16 {
	cid := q.cidCursor
	for bit(q.cidMask, cid) {
		cid++
		if int(cid) >= q.qsize {
			cid = 0
		}
	}
	q.cidCursor = cid
	setBit(q.cidMask, cid)
	return cid
}

// buildPRP returns (prp1, prp2) for a transfer starting at phys
// covering nlb blocks, writing an overflow page list into this cid's
// scratch slot when the transfer spans more than two pages.
func (q *Queue) buildPRP(cid uint16, phys uint64, nlb uint32) (uint64, uint64) {
	size := uint64(nlb) * q.blockSize
	numPages := (size + q.pageSize - 1) / q.pageSize
	if numPages == 0 {
		numPages = 1
	}

	prp1 := phys
	switch {
	case numPages == 1:
		return prp1, 0
	case numPages == 2:
		return prp1, phys + q.pageSize
	default:
		slot := uint64(cid) * q.pageSize
		scratch := q.prpList[slot : slot+q.pageSize]
		addr := phys
		for i := uint64(1); i < numPages; i++ {
			addr += q.pageSize
			binary.LittleEndian.PutUint64(scratch[(i-1)*8:], addr)
		}
		return prp1, q.prpListPhys + slot
	}
}

// CompleteOne polls for a single completion. timeout <= 0 makes it a
// non-blocking probe. On the first miss it records a deadline and
// loops straight back to recheck; subsequent misses yield the
// scheduler before rechecking, mirroring unvme_complete_io's
// rdtsc-deadline-plus-sched_yield loop.
func (q *Queue) CompleteOne(timeout time.Duration) error {
	comp, ok, err := q.driver.CheckCompletion(q.QID)
	if err != nil {
		return err
	}
	if ok {
		return q.reap(comp)
	}
	if timeout <= 0 {
		return ErrPollTimeout
	}

	deadline := time.Now().Add(timeout)
	for {
		comp, ok, err := q.driver.CheckCompletion(q.QID)
		if err != nil {
			return err
		}
		if ok {
			return q.reap(comp)
		}
		if time.Now().After(deadline) {
			return ErrPollTimeout
		}
		runtime.Gosched()
	}
}

// reap resolves a completion's cid back to the descriptor that owns
// it by scanning the in-use ring starting at descNext (the oldest
// descriptor with outstanding work), clears the cid everywhere it is
// tracked, and advances descNext past anything now fully drained.
//
// Failing to find the owning descriptor means the controller returned
// a cid unrelated to anything outstanding: an invariant violation, not
// a recoverable error.
func (q *Queue) reap(comp interfaces.Completion) error {
	cid := uint16(comp.CID)

	idx := q.descs.descNext
	if idx == -1 {
		q.log.Printf("unvme: queue %d: completion for cid %d with no in-use descriptors", q.QID, cid)
		panic(fmt.Sprintf("unvme: queue %d: completion for cid %d with no in-use descriptors", q.QID, cid))
	}
	start := idx
	for !bit(q.descs.descs[idx].CIDMask, cid) {
		idx = q.descs.descs[idx].next
		if idx == start {
			q.log.Printf("unvme: queue %d: cid %d not owned by any in-use descriptor", q.QID, cid)
			panic(fmt.Sprintf("unvme: queue %d: cid %d not owned by any in-use descriptor", q.QID, cid))
		}
	}

	d := &q.descs.descs[idx]
	clearBit(d.CIDMask, cid)
	d.CIDCount--
	clearBit(q.cidMask, cid)
	q.cidCount--

	if comp.Err != nil {
		d.Err = comp.Err
	}

	q.descs.advanceDescNext()
	return comp.Err
}

// Release returns a descriptor to the pool once the caller is done
// with it (all its cids are reaped and its result consumed).
func (q *Queue) Release(d *Descriptor) {
	q.descs.put(d.slot)
}
