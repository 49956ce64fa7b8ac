// Package constants holds tunables shared across the unvme internal packages.
package constants

import "time"

// Default session/queue configuration
const (
	// DefaultAdminQueueSize is the size of the single admin queue created on
	// first device open (queue 0 of the admin session).
	DefaultAdminQueueSize = 8

	// DefaultIOQueueSize is the queue depth used by Open when the caller
	// does not specify one.
	DefaultIOQueueSize = 256

	// DefaultIOQueueCount of 0 tells the session manager to defer to the
	// controller's reported maxqcount.
	DefaultIOQueueCount = 0

	// InitialFreeDescriptors is not read by internal/queue: each queue's
	// descriptor arena is preallocated with qsize descriptors, one per
	// ring slot, when the queue is created.
	InitialFreeDescriptors = 16

	// IOMemGrowStep is how many DMA tuple slots a session's registry grows
	// by each time it runs out of room.
	IOMemGrowStep = 256
)

// UnvmeTimeout is the default I/O timeout in seconds, used by synchronous
// read/write and by queue-full back-pressure draining.
const UnvmeTimeout = 60

// PollYieldInterval is not read by CompleteOne: its timed wait re-checks
// the completion ring after each runtime.Gosched, with no fixed interval.
const PollYieldInterval = 20 * time.Microsecond

// NVMe opcodes (standard)
const (
	OpcodeWrite = 0x01
	OpcodeRead  = 0x02
)

// DiagnosticLogPath names the fixed path of the text diagnostic log. No
// package in this module opens it: controller bring-up and teardown log
// through the configured Logger, which writes to standard error by default.
const DiagnosticLogPath = "/dev/shm/unvme.log"
