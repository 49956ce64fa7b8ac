package session

import (
	"fmt"
	"time"

	"github.com/unvme-go/unvme/internal/constants"
	"github.com/unvme-go/unvme/internal/nvme"
	"github.com/unvme-go/unvme/internal/queue"
)

// unvmeTimeout is the default I/O timeout used for synchronous
// operations and for draining a descriptor after a rejected chunk,
// matching constants.UnvmeTimeout.
var unvmeTimeout = time.Duration(constants.UnvmeTimeout) * time.Second

// IOD is the opaque asynchronous I/O descriptor handed back by Submit:
// the caller polls it with Poll until it completes, at which point it
// is automatically recycled back to its queue's free ring.
type IOD struct {
	queue *queue.Queue
	desc  *queue.Descriptor
}

// Submit implements the Request Scheduler: it splits (buf, slba, nlb)
// into chunks no larger than the queue's max transfer size, resolves
// buf once through the session's DMA registry, and submits each chunk
// against the same descriptor so the caller polls one IOD regardless
// of how many wire commands the transfer took.
func (s *Session) Submit(qid int, opcode uint8, buf uintptr, slba uint64, nlb uint32) (*IOD, error) {
	if qid < 0 || qid >= len(s.queues) {
		return nil, fmt.Errorf("unvme: qid %d out of range [0, %d)", qid, len(s.queues))
	}
	if nlb == 0 {
		return nil, fmt.Errorf("unvme: nlb must be > 0")
	}
	if s.nsInfo.BlockCount > 0 && slba+uint64(nlb) > s.nsInfo.BlockCount {
		return nil, fmt.Errorf("unvme: request [%d, %d) exceeds namespace size %d", slba, slba+uint64(nlb), s.nsInfo.BlockCount)
	}

	tuple, offset, ok := s.registry.Resolve(buf)
	if !ok {
		return nil, fmt.Errorf("unvme: buffer %#x not registered", buf)
	}
	size := uint64(nlb) * s.blockSize
	if offset+size > tuple.Size {
		return nil, fmt.Errorf("unvme: request of %d bytes overruns its %d-byte buffer", size, tuple.Size)
	}

	q := s.queues[qid]
	maxbpio := s.MaxBlocksPerIO()

	remaining := nlb
	curSLBA := slba
	curOffset := offset
	var desc *queue.Descriptor

	for remaining > 0 {
		n := remaining
		if n > maxbpio {
			n = maxbpio
		}
		phys := tuple.Phys + curOffset

		if desc == nil {
			d, err := q.SubmitOne(opcode, phys, curSLBA, n)
			if err != nil {
				return nil, err
			}
			desc = d
		} else if err := q.SubmitChunk(desc, opcode, phys, curSLBA, n); err != nil {
			// The chunk was rejected by the controller (not queue
			// back-pressure, which SubmitChunk/makeRoom already
			// absorbed internally): drain what's already in flight on
			// this descriptor before surfacing the failure, so no
			// partial multi-chunk request is ever left dangling.
			if drainErr := s.drainFatal(q, desc); drainErr != nil {
				return nil, drainErr
			}
			q.Release(desc)
			return nil, err
		}

		remaining -= n
		curSLBA += uint64(n)
		curOffset += uint64(n) * s.blockSize
	}

	return &IOD{queue: q, desc: desc}, nil
}

// drainFatal polls d to completion with the default timeout, treating
// a timeout as fatal per spec.md §4.4 ("if the poll times out, treat
// as fatal").
func (s *Session) drainFatal(q *queue.Queue, d *queue.Descriptor) error {
	for d.CIDCount > 0 {
		if err := q.CompleteOne(unvmeTimeout); queue.IsPollTimeout(err) {
			return fmt.Errorf("unvme: queue %d: fatal timeout draining rejected descriptor: %w", q.QID, err)
		}
	}
	return nil
}

// Poll drives iod's queue until iod's own descriptor empties or errors.
// timeout <= 0 is a non-blocking probe. Completions belonging to other
// in-flight descriptors on the same queue are drained transparently -
// a shared completion queue can report any outstanding command first -
// and only this descriptor's own terminal state (CIDCount == 0, or a
// completion status recorded directly on it) ends the loop.
//
// Returns (true, nil) on full completion (descriptor recycled),
// (false, err) with err wrapping queue.ErrPollTimeout on timeout, and
// (false, err) with the device's error otherwise (descriptor is
// recycled only once its own CIDCount has actually reached zero).
func (s *Session) Poll(iod *IOD, timeout time.Duration) (bool, error) {
	d := iod.desc
	q := iod.queue

	for d.CIDCount > 0 && d.Err == nil {
		if err := q.CompleteOne(timeout); err != nil && queue.IsPollTimeout(err) {
			return false, err
		}
	}

	if d.Err != nil {
		err := d.Err
		if d.CIDCount == 0 {
			q.Release(d)
		}
		return false, err
	}

	q.Release(d)
	return true, nil
}

// SubmitSync is Submit followed immediately by Poll with the default
// unvmeTimeout, the Go equivalent of the C library's synchronous
// read/write convenience wrapper.
func (s *Session) SubmitSync(qid int, opcode uint8, buf uintptr, slba uint64, nlb uint32) error {
	iod, err := s.Submit(qid, opcode, buf, slba, nlb)
	if err != nil {
		return err
	}
	_, err = s.Poll(iod, unvmeTimeout)
	return err
}

// Opcode re-exports for callers that only import internal/session.
const (
	OpcodeRead  = nvme.OpcodeRead
	OpcodeWrite = nvme.OpcodeWrite
)
