package nvme

import "unsafe"

// SubmissionEntry is one 64-byte NVMe submission queue entry, laid out per
// the base command format shared by admin and I/O commands.
type SubmissionEntry struct {
	Opcode  uint8
	Flags   uint8
	CID     uint16
	NSID    uint32
	_       uint64 // cdw2-3, unused by this library
	MPTR    uint64 // metadata pointer, unused (no metadata namespaces)
	PRP1    uint64
	PRP2    uint64
	CDW10   uint32
	CDW11   uint32
	CDW12   uint32
	CDW13   uint32
	CDW14   uint32
	CDW15   uint32
}

var _ [SQESize]byte = [unsafe.Sizeof(SubmissionEntry{})]byte{}

// CompletionEntry is one 16-byte NVMe completion queue entry.
type CompletionEntry struct {
	DW0      uint32
	_        uint32 // dw1, reserved
	SQHead   uint16
	SQID     uint16
	CID      uint16
	StatusPh uint16 // bit 0 is the phase tag, bits 1-15 are the status field
}

var _ [CQESize]byte = [unsafe.Sizeof(CompletionEntry{})]byte{}

// Phase returns the phase tag bit of the completion.
func (c *CompletionEntry) Phase() bool {
	return c.StatusPh&0x1 != 0
}

// StatusCode returns the NVMe status code (SC field, bits 1-8).
func (c *CompletionEntry) StatusCode() uint8 {
	return uint8((c.StatusPh >> 1) & 0xFF)
}

// StatusCodeType returns the status code type (SCT field, bits 9-11).
func (c *CompletionEntry) StatusCodeType() uint8 {
	return uint8((c.StatusPh >> 9) & 0x7)
}

// IsError reports whether the completion carries a non-zero status.
func (c *CompletionEntry) IsError() bool {
	return c.StatusCode() != 0 || c.StatusCodeType() != 0
}

// EncodeRW fills in a submission entry for a read or write command.
func (e *SubmissionEntry) EncodeRW(opcode uint8, cid uint16, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) {
	*e = SubmissionEntry{}
	e.Opcode = opcode
	e.CID = cid
	e.NSID = nsid
	e.PRP1 = prp1
	e.PRP2 = prp2
	e.CDW10 = uint32(slba)
	e.CDW11 = uint32(slba >> 32)
	// CDW12 bits 0-15 are NLB (zero-based, so subtract one).
	e.CDW12 = uint32(nlb - 1)
}

// EncodeIdentify fills in a submission entry for Identify Controller/Namespace.
func (e *SubmissionEntry) EncodeIdentify(cid uint16, nsid uint32, cns uint8, prp1, prp2 uint64) {
	*e = SubmissionEntry{}
	e.Opcode = AdminOpIdentify
	e.CID = cid
	e.NSID = nsid
	e.PRP1 = prp1
	e.PRP2 = prp2
	e.CDW10 = uint32(cns)
}

// EncodeGetFeatures fills in a submission entry for Get Features.
func (e *SubmissionEntry) EncodeGetFeatures(cid uint16, feature uint8) {
	*e = SubmissionEntry{}
	e.Opcode = AdminOpGetFeatures
	e.CID = cid
	e.CDW10 = uint32(feature)
}

// EncodeCreateIOCQ fills in a submission entry for Create I/O Completion Queue.
func (e *SubmissionEntry) EncodeCreateIOCQ(cid uint16, qid uint16, qsize int, prp1 uint64) {
	*e = SubmissionEntry{}
	e.Opcode = AdminOpCreateIOCQ
	e.CID = cid
	e.PRP1 = prp1
	e.CDW10 = uint32(qid) | uint32(qsize-1)<<16
	e.CDW11 = 1 // physically contiguous, interrupts disabled (polling only)
}

// EncodeCreateIOSQ fills in a submission entry for Create I/O Submission Queue.
func (e *SubmissionEntry) EncodeCreateIOSQ(cid uint16, qid uint16, qsize int, cqid uint16, prp1 uint64) {
	*e = SubmissionEntry{}
	e.Opcode = AdminOpCreateIOSQ
	e.CID = cid
	e.PRP1 = prp1
	e.CDW10 = uint32(qid) | uint32(qsize-1)<<16
	e.CDW11 = 1 | uint32(cqid)<<16 // physically contiguous
}

// EncodeDeleteIOSQ fills in a submission entry for Delete I/O Submission Queue.
func (e *SubmissionEntry) EncodeDeleteIOSQ(cid uint16, qid uint16) {
	*e = SubmissionEntry{}
	e.Opcode = AdminOpDeleteIOSQ
	e.CID = cid
	e.CDW10 = uint32(qid)
}

// EncodeDeleteIOCQ fills in a submission entry for Delete I/O Completion Queue.
func (e *SubmissionEntry) EncodeDeleteIOCQ(cid uint16, qid uint16) {
	*e = SubmissionEntry{}
	e.Opcode = AdminOpDeleteIOCQ
	e.CID = cid
	e.CDW10 = uint32(qid)
}
