package unvme

import "github.com/unvme-go/unvme/internal/constants"

// Re-exported tunables for callers who want the defaults without importing
// the internal package directly.
const (
	DefaultAdminQueueSize  = constants.DefaultAdminQueueSize
	DefaultIOQueueSize     = constants.DefaultIOQueueSize
	DefaultIOQueueCount    = constants.DefaultIOQueueCount
	InitialFreeDescriptors = constants.InitialFreeDescriptors
	IOMemGrowStep          = constants.IOMemGrowStep
	UnvmeTimeout           = constants.UnvmeTimeout
	OpcodeWrite            = constants.OpcodeWrite
	OpcodeRead             = constants.OpcodeRead
	DiagnosticLogPath      = constants.DiagnosticLogPath
)
