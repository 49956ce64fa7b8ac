// Package session implements the Session/Namespace Manager: lazy
// controller bring-up, admin session creation, I/O session creation
// with monotonic queue id assignment across the session ring, and
// teardown ordering. It is the glue between the external-collaborator
// interfaces (DMAProvider, ControllerDriver), the DMA registry
// (internal/iomem) and the queue-pair engine (internal/queue); the
// root package wraps it in the public facade operations.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unsafe"

	"github.com/unvme-go/unvme/internal/constants"
	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/iomem"
	"github.com/unvme-go/unvme/internal/logging"
	"github.com/unvme-go/unvme/internal/queue"
)

// bytesOf returns an addressable view of a DMA tuple's virtual memory,
// the same unsafe.Slice pattern internal/nvmedrv uses to turn a raw
// DMATuple.Virt into a []byte the binary package can write into.
func bytesOf(t interfaces.DMATuple) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(t.Virt)), t.Size)
}

// PageSize is the controller's MPS (memory page size): fixed at 4096
// bytes, matching CC.MPS encoding 0 used by internal/nvmedrv.
const PageSize = 4096

var pciPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}:[0-9A-Fa-f]{2}\.[0-9A-Fa-f]$`)

// NormalizePCI accepts either "BB:DD.F" or the fio-engine-compatible
// "BB.DD.F" and returns the canonical colon-separated form, or an
// error if neither shape matches.
func NormalizePCI(pci string) (string, error) {
	candidate := pci
	if strings.Count(pci, ".") == 2 {
		// BB.DD.F: normalize first separator to a colon.
		idx := strings.Index(pci, ".")
		candidate = pci[:idx] + ":" + pci[idx+1:]
	}
	if !pciPattern.MatchString(candidate) {
		return "", fmt.Errorf("unvme: invalid PCI address %q, want BB:DD.F", pci)
	}
	return candidate, nil
}

// Controller is the process-wide, lazily-initialized NVMe controller
// object: one VFIO/hugetlb binding, one admin queue, one reference
// count tracking how many open sessions still need it alive.
type Controller struct {
	PCI string

	dma    interfaces.DMAProvider
	driver interfaces.ControllerDriver
	log    interfaces.Logger

	admin *Session

	info interfaces.ControllerInfo

	maxppio    uint32
	maxqcount  int
	nextQID    uint16 // next unassigned I/O queue id, monotonic across sessions
	refCount   int
}

// NewController brings up the admin session against the given
// provider/driver pair, already bound to a specific PCI device by the
// caller (internal/vfio.Open or internal/hugetlb.New plus
// internal/nvmedrv.New/NewSimDriver). Grounded on spec's "controller
// init (lazy, once)": open admin queue of size 8, identify-controller,
// probe num-queues.
func NewController(pci string, dma interfaces.DMAProvider, driver interfaces.ControllerDriver, log interfaces.Logger) (*Controller, error) {
	if log == nil {
		log = logging.Default()
	}

	c := &Controller{
		PCI:    pci,
		dma:    dma,
		driver: driver,
		log:    log,
	}

	admin, err := newSession(c, 0, 0, constants.DefaultAdminQueueSize, 1)
	if err != nil {
		return nil, fmt.Errorf("unvme: admin session init: %w", err)
	}
	c.admin = admin
	c.nextQID = 1 // qid 0 is reserved for the admin queue

	scratch, err := admin.registry.Allocate(PageSize)
	if err != nil {
		return nil, fmt.Errorf("unvme: allocating identify scratch buffer: %w", err)
	}
	defer admin.registry.Free(scratch.Virt)

	if err := driver.SetupAdminQueue(constants.DefaultAdminQueueSize, admin.sqTuple, admin.cqTuple); err != nil {
		return nil, fmt.Errorf("unvme: setup admin queue: %w", err)
	}

	info, err := driver.IdentifyController(scratch)
	if err != nil {
		return nil, fmt.Errorf("unvme: identify controller: %w", err)
	}
	c.info = info

	maxppio := PageSize / 8
	if info.MDTS > 0 {
		mdtsPages := uint32(1) << info.MDTS
		if mdtsPages < uint32(maxppio) {
			maxppio = int(mdtsPages)
		}
	}
	c.maxppio = uint32(maxppio)

	nsq, ncq, err := driver.GetNumQueuesFeature()
	if err != nil {
		return nil, fmt.Errorf("unvme: get num queues feature: %w", err)
	}
	c.maxqcount = min(nsq, ncq) + 1

	c.refCount = 1
	return c, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MaxQueueCount reports the controller-derived upper bound on I/O
// queue count for a new session.
func (c *Controller) MaxQueueCount() int { return c.maxqcount }

// Info returns the controller's identify-derived attributes.
func (c *Controller) Info() interfaces.ControllerInfo { return c.info }

// Acquire bumps the controller's reference count when a new I/O
// session is opened against it.
func (c *Controller) Acquire() { c.refCount++ }

// OpenIOSession creates a new I/O session of qcount queues of qsize
// each against namespace nsid, with queue ids continuing monotonically
// from the last session's highest queue id.
func (c *Controller) OpenIOSession(nsid uint32, qcount, qsize int) (*Session, error) {
	if qcount < 1 {
		return nil, fmt.Errorf("unvme: qcount must be >= 1, got %d", qcount)
	}
	if qsize < 2 {
		return nil, fmt.Errorf("unvme: qsize must be >= 2, got %d", qsize)
	}
	if c.maxqcount > 0 && qcount > c.maxqcount {
		return nil, fmt.Errorf("unvme: qcount %d exceeds controller max %d", qcount, c.maxqcount)
	}

	startQID := c.nextQID
	sess, err := newSession(c, nsid, startQID, qsize, qcount)
	if err != nil {
		return nil, err
	}
	c.nextQID = startQID + uint16(qcount)
	c.Acquire()
	return sess, nil
}

// closeQueues deletes every I/O queue the session owns and releases
// its DMA registrations.
func (s *Session) closeQueues() error {
	var firstErr error
	for _, q := range s.queues {
		if err := s.ctrl.driver.DeleteIOQueue(q.QID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close releases an I/O session's queues and DMA registrations. Per
// spec.md §4.5, closing the last non-admin session triggers full
// teardown of the admin queue, driver and DMA provider automatically -
// the caller never closes the admin session directly.
func (c *Controller) Close(sess *Session) error {
	if sess == c.admin {
		return fmt.Errorf("unvme: admin session is torn down automatically, not closed directly")
	}

	if err := sess.closeQueues(); err != nil {
		return err
	}
	c.refCount--

	if c.refCount > 1 {
		return nil
	}

	// Only the admin session remains: tear down completely.
	if err := c.admin.closeQueues(); err != nil {
		return err
	}
	if err := c.driver.Close(); err != nil {
		c.log.Printf("unvme: controller driver close: %v", err)
	}
	if err := c.dma.Close(); err != nil {
		c.log.Printf("unvme: dma provider close: %v", err)
	}
	c.refCount = 0
	return nil
}

// RefCount reports how many sessions (including admin) currently hold
// the controller alive.
func (c *Controller) RefCount() int { return c.refCount }

// Session is one group of I/O queues sharing a DMA registry and a
// namespace identity, created by OpenIOSession (or, for id 0, the
// controller's own admin session).
type Session struct {
	ID   uint16 // first queue id owned by this session; 0 for admin
	NSID uint32

	ctrl     *Controller
	registry *iomem.Registry
	queues   []*queue.Queue

	nsInfo interfaces.NamespaceInfo

	blockSize uint64
	maxbpio   uint32

	sqTuple interfaces.DMATuple
	cqTuple interfaces.DMATuple
}

// newSession allocates qcount queues of qsize starting at startQID,
// including ring memory and PRP scratch, and (for nsid > 0) runs
// identify-namespace to derive block geometry.
func newSession(ctrl *Controller, nsid uint32, startQID uint16, qsize int, qcount int) (*Session, error) {
	registry := iomem.New(ctrl.dma)

	sess := &Session{
		ID:        startQID,
		NSID:      nsid,
		ctrl:      ctrl,
		registry:  registry,
		blockSize: 512,
	}

	if nsid > 0 {
		scratch, err := registry.Allocate(PageSize)
		if err != nil {
			return nil, fmt.Errorf("unvme: namespace %d scratch alloc: %w", nsid, err)
		}
		nsInfo, err := ctrl.driver.IdentifyNamespace(nsid, scratch)
		registry.Free(scratch.Virt)
		if err != nil {
			return nil, fmt.Errorf("unvme: identify namespace %d: %w", nsid, err)
		}
		blockSize := uint64(1) << nsInfo.BlockShift
		if blockSize > PageSize {
			return nil, fmt.Errorf("unvme: namespace %d block size %d exceeds page size %d", nsid, blockSize, PageSize)
		}
		if nsInfo.BlockCount < 8 {
			return nil, fmt.Errorf("unvme: namespace %d block count %d below minimum of 8", nsid, nsInfo.BlockCount)
		}
		sess.nsInfo = nsInfo
		sess.blockSize = blockSize
	}

	nbpp := uint32(PageSize / sess.blockSize)
	sess.maxbpio = ctrl.maxppio * nbpp
	if sess.maxbpio == 0 {
		sess.maxbpio = nbpp
	}

	for i := 0; i < qcount; i++ {
		qid := startQID + uint16(i)

		sqTuple, err := registry.Allocate(uint64(qsize) * 64)
		if err != nil {
			return nil, fmt.Errorf("unvme: queue %d SQ ring alloc: %w", qid, err)
		}
		cqTuple, err := registry.Allocate(uint64(qsize) * 16)
		if err != nil {
			return nil, fmt.Errorf("unvme: queue %d CQ ring alloc: %w", qid, err)
		}

		if qid == 0 {
			sess.sqTuple, sess.cqTuple = sqTuple, cqTuple
		} else {
			prpTuple, err := registry.Allocate(uint64(qsize) * PageSize)
			if err != nil {
				return nil, fmt.Errorf("unvme: queue %d PRP scratch alloc: %w", qid, err)
			}
			if err := ctrl.driver.CreateIOQueue(qid, qsize, sqTuple, cqTuple); err != nil {
				return nil, fmt.Errorf("unvme: create I/O queue %d: %w", qid, err)
			}
			q := queue.New(qid, nsid, qsize, sess.blockSize, PageSize, ctrl.driver, bytesOf(prpTuple), prpTuple.Phys, ctrl.log, time.Duration(constants.UnvmeTimeout)*time.Second)
			sess.queues = append(sess.queues, q)
		}
	}

	return sess, nil
}

// Queues returns the session's I/O queues in creation order, indexed
// the way callers index qid ∈ [0, qcount).
func (s *Session) Queues() []*queue.Queue { return s.queues }

// Registry exposes the session's DMA registry for Alloc/Free.
func (s *Session) Registry() *iomem.Registry { return s.registry }

// NamespaceInfo returns the identify-derived namespace attributes
// (zero value for the admin session's implicit nsid 0).
func (s *Session) NamespaceInfo() interfaces.NamespaceInfo { return s.nsInfo }

// BlockSize returns the namespace's logical block size in bytes.
func (s *Session) BlockSize() uint64 { return s.blockSize }

// MaxBlocksPerIO returns the largest block count a single command on
// this session's queues may move.
func (s *Session) MaxBlocksPerIO() uint32 { return s.maxbpio }
