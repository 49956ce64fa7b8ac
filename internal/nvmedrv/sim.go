package nvmedrv

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/unvme-go/unvme/internal/interfaces"
	"github.com/unvme-go/unvme/internal/logging"
	"github.com/unvme-go/unvme/internal/nvme"
)

// simShardSize is the granularity of the simulated namespace's internal
// locking: fine enough for parallel random I/O across queues, coarse
// enough to keep lock overhead off the hot path.
const simShardSize = 64 * 1024

// SimDriver is a software stand-in for a real controller: it moves data
// immediately at SubmitRW time against an in-memory namespace backing
// store, and queues the resulting completion for CheckCompletion to
// dequeue, so callers see the same submit-then-poll shape a real device
// would produce. It implements both interfaces.ControllerDriver and
// interfaces.DMAProvider, since in the absence of a hardware IOMMU the
// same object can own both "DMA" memory and the commands that move data
// through it.
type SimDriver struct {
	mu sync.Mutex

	media  []byte
	shards []sync.RWMutex

	blockSize uint64
	vendorID  uint16
	serial    string
	model     string
	firmware  string
	mdts      uint8
	nsq, ncq  int

	nextPhys uint64
	live     map[uint64][]byte

	queues map[uint16]*[]interfaces.Completion

	log interfaces.Logger
}

var (
	_ interfaces.ControllerDriver = (*SimDriver)(nil)
	_ interfaces.DMAProvider      = (*SimDriver)(nil)
)

// NewSimDriver builds a simulated controller fronting a namespace of
// nsBlocks logical blocks of blockSize bytes each.
func NewSimDriver(nsBlocks uint64, blockSize uint64, log interfaces.Logger) *SimDriver {
	if log == nil {
		log = logging.Default()
	}
	size := nsBlocks * blockSize
	numShards := (size + simShardSize - 1) / simShardSize
	if numShards == 0 {
		numShards = 1
	}
	log.Printf("unvme: sim: namespace of %d blocks (%d bytes each)", nsBlocks, blockSize)
	return &SimDriver{
		media:     make([]byte, size),
		shards:    make([]sync.RWMutex, numShards),
		blockSize: blockSize,
		vendorID:  0x1344,
		serial:    "unvme-sim-0001",
		model:     "unvme simulated controller",
		firmware:  "1.0",
		mdts:      6, // 2^6 * page size = 256 KiB max transfer
		nsq:       16,
		ncq:       16,
		nextPhys:  0x1000,
		live:      make(map[uint64][]byte),
		queues:    make(map[uint16]*[]interfaces.Completion),
		log:       log,
	}
}

func (s *SimDriver) shardRange(off, length uint64) (start, end int) {
	start = int(off / simShardSize)
	end = int((off + length - 1) / simShardSize)
	if end >= len(s.shards) {
		end = len(s.shards) - 1
	}
	return start, end
}

// --- interfaces.DMAProvider ---

func (s *SimDriver) Alloc(size uint64) (interfaces.DMATuple, error) {
	buf := make([]byte, size)

	s.mu.Lock()
	phys := s.nextPhys
	s.nextPhys += (size + 4095) &^ 4095 // keep every buffer page-aligned
	s.live[phys] = buf
	s.mu.Unlock()

	return interfaces.DMATuple{Virt: uintptr(unsafe.Pointer(&buf[0])), Phys: phys, Size: size}, nil
}

func (s *SimDriver) Free(t interfaces.DMATuple) error {
	s.mu.Lock()
	delete(s.live, t.Phys)
	s.mu.Unlock()
	return nil
}

func (s *SimDriver) resolve(phys uint64) ([]byte, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for base, buf := range s.live {
		if phys >= base && phys < base+uint64(len(buf)) {
			return buf, phys - base, true
		}
	}
	return nil, 0, false
}

// --- interfaces.ControllerDriver ---

func (s *SimDriver) SetupAdminQueue(qsize int, sq, cq interfaces.DMATuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := []interfaces.Completion{}
	s.queues[0] = &pending
	return nil
}

func (s *SimDriver) IdentifyController(scratch interfaces.DMATuple) (interfaces.ControllerInfo, error) {
	buf, off, ok := s.resolve(scratch.Phys)
	if !ok {
		return interfaces.ControllerInfo{}, fmt.Errorf("unvme: sim: identify scratch buffer not registered")
	}
	page := buf[off:]
	if uint64(len(page)) < nvme.IdentifyPageSize {
		return interfaces.ControllerInfo{}, fmt.Errorf("unvme: sim: identify scratch buffer too small")
	}
	for i := range page[:nvme.IdentifyPageSize] {
		page[i] = 0
	}
	page[0] = byte(s.vendorID)
	page[1] = byte(s.vendorID >> 8)
	copy(page[4:24], s.serial)
	copy(page[24:64], s.model)
	copy(page[64:72], s.firmware)
	page[77] = s.mdts

	ci := nvme.ParseControllerIdentify(page[:nvme.IdentifyPageSize])
	return interfaces.ControllerInfo{
		VendorID: ci.VendorID,
		Serial:   ci.Serial,
		Model:    ci.Model,
		Firmware: ci.Firmware,
		MDTS:     ci.MDTS,
	}, nil
}

func (s *SimDriver) IdentifyNamespace(nsid uint32, scratch interfaces.DMATuple) (interfaces.NamespaceInfo, error) {
	buf, off, ok := s.resolve(scratch.Phys)
	if !ok {
		return interfaces.NamespaceInfo{}, fmt.Errorf("unvme: sim: identify scratch buffer not registered")
	}
	page := buf[off:]
	if uint64(len(page)) < nvme.IdentifyPageSize {
		return interfaces.NamespaceInfo{}, fmt.Errorf("unvme: sim: identify scratch buffer too small")
	}
	for i := range page[:nvme.IdentifyPageSize] {
		page[i] = 0
	}

	nblocks := uint64(len(s.media)) / s.blockSize
	page[0] = byte(nblocks)
	page[1] = byte(nblocks >> 8)
	page[2] = byte(nblocks >> 16)
	page[3] = byte(nblocks >> 24)
	page[4] = byte(nblocks >> 32)
	page[5] = byte(nblocks >> 40)
	page[6] = byte(nblocks >> 48)
	page[7] = byte(nblocks >> 56)
	page[25] = 1 // NLBAF = 1 (one format entry)
	page[26] = 0 // FLBAS = format 0

	shift := blockShiftOf(s.blockSize)
	page[128+2] = shift // LBAF[0].DataShift

	ns := nvme.ParseNamespaceIdentify(page[:nvme.IdentifyPageSize])
	return interfaces.NamespaceInfo{BlockCount: ns.NSZE, BlockShift: ns.BlockShift()}, nil
}

func blockShiftOf(blockSize uint64) byte {
	var shift byte
	for sz := uint64(1); sz < blockSize; sz <<= 1 {
		shift++
	}
	return shift
}

func (s *SimDriver) GetNumQueuesFeature() (int, int, error) {
	return s.nsq, s.ncq, nil
}

func (s *SimDriver) CreateIOQueue(qid uint16, qsize int, sq, cq interfaces.DMATuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := []interfaces.Completion{}
	s.queues[qid] = &pending
	return nil
}

func (s *SimDriver) DeleteIOQueue(qid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, qid)
	return nil
}

func (s *SimDriver) SubmitRW(qid uint16, opcode uint8, cid uint16, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) error {
	size := uint64(nlb) * s.blockSize
	buf, off, ok := s.resolve(prp1)
	if !ok {
		return fmt.Errorf("unvme: sim: buffer at phys %#x not registered", prp1)
	}
	if off+size > uint64(len(buf)) {
		return fmt.Errorf("unvme: sim: transfer of %d bytes overruns its buffer", size)
	}
	data := buf[off : off+size]

	mediaOff := slba * s.blockSize
	if mediaOff+size > uint64(len(s.media)) {
		s.enqueue(qid, cid, fmt.Errorf("unvme: sim: transfer at LBA %d exceeds namespace size", slba))
		return nil
	}

	startShard, endShard := s.shardRange(mediaOff, size)
	switch opcode {
	case nvme.OpcodeWrite:
		for i := startShard; i <= endShard; i++ {
			s.shards[i].Lock()
		}
		copy(s.media[mediaOff:mediaOff+size], data)
		for i := startShard; i <= endShard; i++ {
			s.shards[i].Unlock()
		}
	case nvme.OpcodeRead:
		for i := startShard; i <= endShard; i++ {
			s.shards[i].RLock()
		}
		copy(data, s.media[mediaOff:mediaOff+size])
		for i := startShard; i <= endShard; i++ {
			s.shards[i].RUnlock()
		}
	default:
		s.enqueue(qid, cid, fmt.Errorf("unvme: sim: unsupported opcode %#x", opcode))
		return nil
	}

	s.enqueue(qid, cid, nil)
	return nil
}

func (s *SimDriver) enqueue(qid uint16, cid uint16, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.queues[qid]
	if !ok {
		return
	}
	*pending = append(*pending, interfaces.Completion{CID: int(cid), Err: err})
}

func (s *SimDriver) CheckCompletion(qid uint16) (interfaces.Completion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.queues[qid]
	if !ok {
		return interfaces.Completion{}, false, fmt.Errorf("unvme: sim: queue %d not created", qid)
	}
	if len(*pending) == 0 {
		return interfaces.Completion{}, false, nil
	}
	c := (*pending)[0]
	*pending = (*pending)[1:]
	return c, true, nil
}

func (s *SimDriver) Close() error { return nil }
