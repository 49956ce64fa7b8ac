// Package interfaces defines the contracts the unvme core depends on but
// does not implement: the IOMMU/VFIO DMA provider and the low-level NVMe
// controller driver. Concrete implementations live in internal/vfio,
// internal/hugetlb and internal/nvmedrv; this package exists separately to
// avoid import cycles between those packages and internal/queue and
// internal/session, which only need the contracts.
package interfaces

// DMATuple is a registered contiguous DMA buffer: a virtual base known to
// the calling process and the device-physical base the controller uses to
// address it.
type DMATuple struct {
	Virt uintptr
	Phys uint64
	Size uint64
}

// DMAProvider allocates and frees IOMMU-pinned, physically contiguous
// buffers. internal/vfio backs it with a real VFIO container; internal/
// hugetlb is a drop-in alternative backed by 2MiB huge pages and
// /proc/self/pagemap.
type DMAProvider interface {
	// Alloc requests a page-aligned, physically-contiguous buffer of the
	// given size.
	Alloc(size uint64) (DMATuple, error)

	// Free releases a tuple previously returned by Alloc.
	Free(tuple DMATuple) error

	// Close tears down the provider itself (container/group or huge-page
	// pool). Called once, at controller teardown.
	Close() error
}

// Completion is the decoded result of one NVMe completion queue entry.
type Completion struct {
	CID int
	Err error // non-nil if the controller reported a non-zero status
}

// ControllerInfo is the subset of Identify Controller data the session
// manager needs.
type ControllerInfo struct {
	VendorID uint16
	Serial   string
	Model    string
	Firmware string
	MDTS     uint8 // 0 means unbounded beyond the one-PRP-list-page cap
}

// NamespaceInfo is the subset of Identify Namespace data the session
// manager needs.
type NamespaceInfo struct {
	BlockCount uint64
	BlockShift uint8
}

// ControllerDriver is the low-level NVMe wire-protocol collaborator: it
// knows how to bring up queues, encode commands into a submission ring,
// ring doorbells, and decode completions. internal/nvmedrv implements it
// against a real VFIO-mapped BAR and also ships a simulated implementation
// used by tests and cmd/unvme-sim.
type ControllerDriver interface {
	// SetupAdminQueue brings up queue 0 of the admin session using
	// caller-allocated submission/completion ring DMA tuples.
	SetupAdminQueue(qsize int, sq, cq DMATuple) error

	// IdentifyController runs Identify Controller (CNS=1) into the given
	// scratch DMA tuple and returns the parsed result.
	IdentifyController(scratch DMATuple) (ControllerInfo, error)

	// IdentifyNamespace runs Identify Namespace for nsid into the given
	// scratch DMA tuple and returns the parsed result.
	IdentifyNamespace(nsid uint32, scratch DMATuple) (NamespaceInfo, error)

	// GetNumQueuesFeature runs Get Features (Number of Queues) and returns
	// the controller-reported submission/completion queue counts.
	GetNumQueuesFeature() (nsq, ncq int, err error)

	// CreateIOQueue creates NVMe I/O queue id qid of size qsize backed by
	// the given submission/completion ring DMA tuples.
	CreateIOQueue(qid uint16, qsize int, sq, cq DMATuple) error

	// DeleteIOQueue deletes a previously created I/O queue.
	DeleteIOQueue(qid uint16) error

	// SubmitRW encodes a read/write command with command id cid into the
	// next free submission ring slot (the ring tail) of queue qid and
	// rings its doorbell.
	SubmitRW(qid uint16, opcode uint8, cid uint16, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) error

	// CheckCompletion polls queue qid's completion ring once, non-blocking,
	// and reports whether a new completion was reaped.
	CheckCompletion(qid uint16) (comp Completion, ok bool, err error)

	// Close tears down the controller (delete admin queue, close device).
	Close() error
}

// Logger is the minimal printf-style logging contract exposed to callers
// who want to supply their own sink without depending on internal/logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

