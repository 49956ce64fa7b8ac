package nvmedrv

import "encoding/binary"

// NVMe BAR0 register offsets (NVMe Base Specification).
const (
	regCAP  = 0x00 // Controller Capabilities, 8 bytes
	regVS   = 0x08 // Version, 4 bytes
	regCC   = 0x14 // Controller Configuration, 4 bytes
	regCSTS = 0x1C // Controller Status, 4 bytes
	regAQA  = 0x24 // Admin Queue Attributes, 4 bytes
	regASQ  = 0x28 // Admin Submission Queue Base Address, 8 bytes
	regACQ  = 0x30 // Admin Completion Queue Base Address, 8 bytes

	doorbellBase = 0x1000
)

const (
	ccEnable = 1 << 0
	ccCSSNVM = 0 << 4
	ccMPS4K  = 0 << 7 // MPS encodes (page size / 4096) as a power of two; 0 == 4096 bytes
	cstsRDY  = 1 << 0
	cstsCFS  = 1 << 1
)

func readReg32(bar0 []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(bar0[off : off+4])
}

func writeReg32(bar0 []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(bar0[off:off+4], v)
}

func readReg64(bar0 []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(bar0[off : off+8])
}

func writeReg64(bar0 []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(bar0[off:off+8], v)
}

// doorbellStride returns the byte distance between consecutive doorbell
// registers, decoded from CAP.DSTRD (bits 35:32): stride = 4 << DSTRD.
func doorbellStride(cap uint64) uint32 {
	dstrd := uint32((cap >> 32) & 0xF)
	return 4 << dstrd
}

func sqTailDoorbell(stride uint32, qid uint16) int {
	return doorbellBase + int(uint32(qid)*2)*int(stride)
}

func cqHeadDoorbell(stride uint32, qid uint16) int {
	return doorbellBase + int(uint32(qid)*2+1)*int(stride)
}
