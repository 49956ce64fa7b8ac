// Package nvme holds the wire-format structs and constants for encoding
// and decoding NVMe submission/completion queue entries and Identify data,
// independent of how the bytes reach the controller (VFIO MMIO ring vs a
// simulated backing store).
package nvme

// Admin command opcodes.
const (
	AdminOpDeleteIOSQ    = 0x00
	AdminOpCreateIOSQ    = 0x01
	AdminOpDeleteIOCQ    = 0x04
	AdminOpCreateIOCQ    = 0x05
	AdminOpIdentify      = 0x06
	AdminOpGetFeatures   = 0x0A
)

// NVM command set I/O opcodes.
const (
	OpcodeWrite = 0x01
	OpcodeRead  = 0x02
)

// Identify CNS values.
const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

// Feature identifiers.
const (
	FeatureNumQueues = 0x07
)

// SQESize and CQESize are the fixed entry sizes of the submission and
// completion rings (64 and 16 bytes respectively, per the NVMe base spec).
const (
	SQESize = 64
	CQESize = 16
)
