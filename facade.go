// Package unvme is a user-space NVMe client library: it bypasses the
// kernel block layer and drives an NVMe SSD directly through a
// VFIO-mapped device file descriptor. Applications call Open to get a
// Namespace handle, Alloc DMA-capable buffers, and Aread/Awrite/Apoll
// (or the synchronous Read/Write) against one of the namespace's I/O
// queues.
package unvme

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unvme-go/unvme/internal/constants"
	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/logging"
	"github.com/unvme-go/unvme/internal/nvmedrv"
	"github.com/unvme-go/unvme/internal/queue"
	"github.com/unvme-go/unvme/internal/session"
	"github.com/unvme-go/unvme/internal/vfio"
)

// OpenParams bundles the arguments of Open/OpenWithQueues, with a
// Default constructor supplying sane values. Neither function takes an
// OpenParams value; callers pass its fields as separate arguments.
type OpenParams struct {
	PCI        string
	NSID       uint32
	QueueCount int // 0 defers to the controller's reported max
	QueueSize  int // 0 uses DefaultIOQueueSize
}

// DefaultOpenParams returns OpenParams with the library's default
// queue count/size for the given device and namespace.
func DefaultOpenParams(pci string, nsid uint32) OpenParams {
	return OpenParams{
		PCI:        pci,
		NSID:       nsid,
		QueueCount: constants.DefaultIOQueueCount,
		QueueSize:  constants.DefaultIOQueueSize,
	}
}

// Options carries cross-cutting collaborators for Open, mirroring the
// teacher's Options struct used by CreateAndServe.
type Options struct {
	Context  context.Context
	Logger   interfaces.Logger
	Observer Observer
}

// Namespace is the public facade's handle on an open I/O session
// against one namespace of one controller.
type Namespace struct {
	pci  string
	nsid uint32

	ctrl *session.Controller
	sess *session.Session

	log      interfaces.Logger
	metrics  *Metrics
	observer Observer
}

var (
	facadeMu    sync.Mutex
	controllers = make(map[string]*session.Controller)
)

// Open binds the PCI device at pci (format BB:DD.F, or BB.DD.F which
// is normalized), identifies namespace nsid, and opens an I/O session
// with controller-computed defaults for queue count and a default
// queue size - the unvme_open-equivalent convenience entry point.
func Open(pci string, nsid uint32, options *Options) (*Namespace, error) {
	return OpenWithQueues(pci, nsid, constants.DefaultIOQueueCount, constants.DefaultIOQueueSize, options)
}

// OpenWithQueues is the unvme_openq-equivalent entry point: it takes
// qcount/qsize explicitly rather than deferring to controller defaults.
// Per spec.md §9 Design Notes, this explicit-parameter variant is
// authoritative; Open is a thin wrapper over it.
//
// open/close/alloc/free are serialized on a process-wide lock (spec.md
// §5): the DMA provider and the controller's session ring are not
// reentrant.
func OpenWithQueues(pci string, nsid uint32, qcount, qsize int, options *Options) (*Namespace, error) {
	if options == nil {
		options = &Options{}
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	normalized, err := session.NormalizePCI(pci)
	if err != nil {
		return nil, NewError("OPEN", ErrCodeInvalidParameters, err.Error())
	}

	facadeMu.Lock()
	defer facadeMu.Unlock()

	ctrl, ok := controllers[normalized]
	if !ok {
		vfioDev, err := vfio.Open(normalized, log)
		if err != nil {
			return nil, WrapError("OPEN", err)
		}
		driver := nvmedrv.New(vfioDev.BAR0(), log)

		ctrl, err = session.NewController(normalized, vfioDev, driver, log)
		if err != nil {
			vfioDev.Close()
			return nil, WrapError("OPEN", err)
		}
		controllers[normalized] = ctrl
	}

	if qcount <= 0 {
		qcount = ctrl.MaxQueueCount()
	}
	if qsize <= 0 {
		qsize = constants.DefaultIOQueueSize
	}

	sess, err := ctrl.OpenIOSession(nsid, qcount, qsize)
	if err != nil {
		return nil, WrapError("OPEN", err)
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	return &Namespace{
		pci:      normalized,
		nsid:     nsid,
		ctrl:     ctrl,
		sess:     sess,
		log:      log,
		metrics:  metrics,
		observer: observer,
	}, nil
}

// OpenWithDriver opens a namespace against a caller-supplied DMA
// provider and controller driver instead of binding real VFIO
// hardware - the entry point cmd/unvme-sim and tests use to drive the
// library against internal/nvmedrv.SimDriver (which implements both
// interfaces.DMAProvider and interfaces.ControllerDriver on one
// object), matching the Session/Namespace Manager's design goal of
// staying provider-agnostic.
func OpenWithDriver(pci string, nsid uint32, qcount, qsize int, dma interfaces.DMAProvider, driver interfaces.ControllerDriver, options *Options) (*Namespace, error) {
	if options == nil {
		options = &Options{}
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	normalized, err := session.NormalizePCI(pci)
	if err != nil {
		return nil, NewError("OPEN", ErrCodeInvalidParameters, err.Error())
	}

	facadeMu.Lock()
	defer facadeMu.Unlock()

	ctrl, ok := controllers[normalized]
	if !ok {
		ctrl, err = session.NewController(normalized, dma, driver, log)
		if err != nil {
			return nil, WrapError("OPEN", err)
		}
		controllers[normalized] = ctrl
	}

	if qcount <= 0 {
		qcount = ctrl.MaxQueueCount()
	}
	if qsize <= 0 {
		qsize = constants.DefaultIOQueueSize
	}

	sess, err := ctrl.OpenIOSession(nsid, qcount, qsize)
	if err != nil {
		return nil, WrapError("OPEN", err)
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	return &Namespace{
		pci:      normalized,
		nsid:     nsid,
		ctrl:     ctrl,
		sess:     sess,
		log:      log,
		metrics:  metrics,
		observer: observer,
	}, nil
}

// Close releases ns's I/O queues and DMA registrations. Closing the
// last non-admin session on a controller tears the controller down
// completely (spec.md §4.5): the VFIO/hugetlb binding, the NVMe
// driver, and the process's record of the controller are all released.
func (ns *Namespace) Close() error {
	facadeMu.Lock()
	defer facadeMu.Unlock()

	ns.metrics.Stop()

	if err := ns.ctrl.Close(ns.sess); err != nil {
		return WrapError("CLOSE", err)
	}
	if ns.ctrl.RefCount() == 0 {
		delete(controllers, ns.pci)
	}
	return nil
}

// Alloc returns a DMA-capable pointer registered with ns's session, or
// an error if the underlying provider is out of memory.
func (ns *Namespace) Alloc(size uint64) (uintptr, error) {
	facadeMu.Lock()
	defer facadeMu.Unlock()

	tuple, err := ns.sess.Registry().Allocate(size)
	if err != nil {
		return 0, WrapError("ALLOC", err)
	}
	return tuple.Virt, nil
}

// Free releases a buffer previously returned by Alloc. It reports
// ErrCodeUnregisteredBuffer if buf was never registered or was already
// freed - matching the original C library's "second free is a no-op
// error, not a crash" contract.
func (ns *Namespace) Free(buf uintptr) error {
	facadeMu.Lock()
	defer facadeMu.Unlock()

	ok, err := ns.sess.Registry().Free(buf)
	if err != nil {
		return WrapError("FREE", err)
	}
	if !ok {
		return NewError("FREE", ErrCodeUnregisteredBuffer, fmt.Sprintf("buffer %#x not registered", buf))
	}
	return nil
}

// IOD is the opaque asynchronous I/O handle returned by Aread/Awrite.
type IOD struct {
	ns      *Namespace
	iod     *session.IOD
	isWrite bool
	bytes   uint64
	started time.Time
	qid     uint16
}

// Aread submits an asynchronous read on queue qid. qid must be in
// [0, qcount).
func (ns *Namespace) Aread(qid int, buf uintptr, slba uint64, nlb uint32) (*IOD, error) {
	return ns.submit(qid, session.OpcodeRead, buf, slba, nlb, false)
}

// Awrite submits an asynchronous write on queue qid.
func (ns *Namespace) Awrite(qid int, buf uintptr, slba uint64, nlb uint32) (*IOD, error) {
	return ns.submit(qid, session.OpcodeWrite, buf, slba, nlb, true)
}

func (ns *Namespace) submit(qid int, opcode uint8, buf uintptr, slba uint64, nlb uint32, isWrite bool) (*IOD, error) {
	sessIOD, err := ns.sess.Submit(qid, opcode, buf, slba, nlb)
	if err != nil {
		op := "AREAD"
		if isWrite {
			op = "AWRITE"
		}
		return nil, WrapError(op, err)
	}
	if queues := ns.sess.Queues(); qid >= 0 && qid < len(queues) {
		ns.observer.ObserveQueueDepth(uint16(qid), uint32(queues[qid].Depth()))
	}
	return &IOD{
		ns:      ns,
		iod:     sessIOD,
		isWrite: isWrite,
		bytes:   uint64(nlb) * ns.sess.BlockSize(),
		started: time.Now(),
		qid:     uint16(qid),
	}, nil
}

// Apoll polls iod until it completes or timeoutSec elapses.
// timeoutSec == 0 is a non-blocking probe. Returns nil on full
// completion, a structured device error if the controller reported
// one, or an error wrapping ErrCodeTimeout if the timeout elapsed
// first.
func (ns *Namespace) Apoll(iod *IOD, timeoutSec int) error {
	done, err := iod.ns.sess.Poll(iod.iod, time.Duration(timeoutSec)*time.Second)
	latencyNs := uint64(time.Since(iod.started).Nanoseconds())

	if done {
		if iod.isWrite {
			iod.ns.observer.ObserveWrite(iod.bytes, latencyNs, true)
		} else {
			iod.ns.observer.ObserveRead(iod.bytes, latencyNs, true)
		}
		return nil
	}

	if iod.isWrite {
		iod.ns.observer.ObserveWrite(iod.bytes, latencyNs, false)
	} else {
		iod.ns.observer.ObserveRead(iod.bytes, latencyNs, false)
	}

	if err == nil {
		return nil
	}
	if queue.IsPollTimeout(err) {
		return NewQueueError("APOLL", iod.ns.nsid, int(iod.qid), ErrCodeTimeout, err.Error())
	}
	return NewQueueError("APOLL", iod.ns.nsid, int(iod.qid), ErrCodeDeviceError, err.Error())
}

// Read submits a synchronous read: Aread followed immediately by
// Apoll with the default UnvmeTimeout.
func (ns *Namespace) Read(qid int, buf uintptr, slba uint64, nlb uint32) error {
	return ns.syncOp(qid, session.OpcodeRead, buf, slba, nlb, false)
}

// Write submits a synchronous write.
func (ns *Namespace) Write(qid int, buf uintptr, slba uint64, nlb uint32) error {
	return ns.syncOp(qid, session.OpcodeWrite, buf, slba, nlb, true)
}

func (ns *Namespace) syncOp(qid int, opcode uint8, buf uintptr, slba uint64, nlb uint32, isWrite bool) error {
	start := time.Now()
	bytes := uint64(nlb) * ns.sess.BlockSize()

	err := ns.sess.SubmitSync(qid, opcode, buf, slba, nlb)
	latencyNs := uint64(time.Since(start).Nanoseconds())
	success := err == nil

	if isWrite {
		ns.observer.ObserveWrite(bytes, latencyNs, success)
	} else {
		ns.observer.ObserveRead(bytes, latencyNs, success)
	}

	if err != nil {
		op := "READ"
		if isWrite {
			op = "WRITE"
		}
		return NewQueueError(op, ns.nsid, qid, ErrCodeDeviceError, err.Error())
	}
	return nil
}

// NamespaceInfo reports the read-only attributes of an open namespace,
// the supplemented accessor spec.md's data model (§3) describes fields
// for but does not itself name.
type NamespaceInfo struct {
	PCI            string
	NSID           uint32
	VendorID       uint16
	Serial         string
	Model          string
	Firmware       string
	BlockCount     uint64
	BlockShift     uint8
	BlockSize      uint64
	QueueCount     int
	MaxBlocksPerIO uint32
}

// Info returns ns's namespace and controller attributes.
func (ns *Namespace) Info() NamespaceInfo {
	ci := ns.ctrl.Info()
	nsInfo := ns.sess.NamespaceInfo()
	return NamespaceInfo{
		PCI:            ns.pci,
		NSID:           ns.nsid,
		VendorID:       ci.VendorID,
		Serial:         ci.Serial,
		Model:          ci.Model,
		Firmware:       ci.Firmware,
		BlockCount:     nsInfo.BlockCount,
		BlockShift:     nsInfo.BlockShift,
		BlockSize:      ns.sess.BlockSize(),
		QueueCount:     len(ns.sess.Queues()),
		MaxBlocksPerIO: ns.sess.MaxBlocksPerIO(),
	}
}

// Metrics returns ns's performance counters.
func (ns *Namespace) Metrics() *Metrics { return ns.metrics }
