package nvme

import "encoding/binary"

// PutSubmissionEntry writes e into dst[:SQESize] in the wire layout the
// controller expects. dst must be a slice into the submission ring's DMA
// buffer at the target slot's offset.
func PutSubmissionEntry(dst []byte, e *SubmissionEntry) {
	_ = dst[:SQESize] // bounds check hint
	dst[0] = e.Opcode
	dst[1] = e.Flags
	binary.LittleEndian.PutUint16(dst[2:4], e.CID)
	binary.LittleEndian.PutUint32(dst[4:8], e.NSID)
	binary.LittleEndian.PutUint64(dst[8:16], 0)
	binary.LittleEndian.PutUint64(dst[16:24], e.MPTR)
	binary.LittleEndian.PutUint64(dst[24:32], e.PRP1)
	binary.LittleEndian.PutUint64(dst[32:40], e.PRP2)
	binary.LittleEndian.PutUint32(dst[40:44], e.CDW10)
	binary.LittleEndian.PutUint32(dst[44:48], e.CDW11)
	binary.LittleEndian.PutUint32(dst[48:52], e.CDW12)
	binary.LittleEndian.PutUint32(dst[52:56], e.CDW13)
	binary.LittleEndian.PutUint32(dst[56:60], e.CDW14)
	binary.LittleEndian.PutUint32(dst[60:64], e.CDW15)
}

// GetCompletionEntry decodes src[:CQESize] from a completion ring slot.
func GetCompletionEntry(src []byte) CompletionEntry {
	_ = src[:CQESize]
	return CompletionEntry{
		DW0:      binary.LittleEndian.Uint32(src[0:4]),
		SQHead:   binary.LittleEndian.Uint16(src[8:10]),
		SQID:     binary.LittleEndian.Uint16(src[10:12]),
		CID:      binary.LittleEndian.Uint16(src[12:14]),
		StatusPh: binary.LittleEndian.Uint16(src[14:16]),
	}
}
