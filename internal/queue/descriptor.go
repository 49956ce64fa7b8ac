package queue

// Descriptor tracks one in-flight read/write request: the logical
// request the caller made, plus the set of command ids it has split
// across the wire. A request with a transfer larger than one page's
// worth of cids is still a single Descriptor with CIDCount > 1.
type Descriptor struct {
	ID     int
	Opcode uint8
	SLBA   uint64
	NLB    uint32
	Buf    uintptr
	Err    error

	CIDCount int
	CIDMask  []uint64

	slot       int // this descriptor's fixed index in the arena
	prev, next int
	inUse      bool
}

// pool is a fixed-capacity arena of descriptors split across two
// circular doubly-linked rings (free, in-use), addressed by index
// rather than pointer so the backing slice never needs to grow and
// never invalidates a held *Descriptor.
//
// This mirrors unvme_get_desc/unvme_put_desc's LIST_ADD/LIST_DEL ring
// surgery, substituting slice indices for the C version's malloc'd
// node pointers.
type pool struct {
	descs     []Descriptor
	maskWords int

	freeHead  int
	inUseHead int
	descNext  int // lowest-id in-use descriptor with outstanding cids
}

// newPool preallocates every descriptor the queue could ever need at
// once: cidcount >= 1 for any in-use descriptor, and outstanding cids
// are bounded by maxiopq (qsize-1), so qsize descriptors is always
// enough room.
func newPool(qsize int, maskWords int) *pool {
	p := &pool{
		descs:     make([]Descriptor, qsize),
		maskWords: maskWords,
		freeHead:  -1,
		inUseHead: -1,
		descNext:  -1,
	}
	for i := range p.descs {
		p.descs[i].CIDMask = make([]uint64, maskWords)
		p.descs[i].slot = i
		p.listAdd(&p.freeHead, i)
	}
	return p
}

func (p *pool) listAdd(head *int, idx int) {
	if *head == -1 {
		p.descs[idx].prev = idx
		p.descs[idx].next = idx
		*head = idx
		return
	}
	h := *head
	tail := p.descs[h].prev
	p.descs[idx].next = h
	p.descs[idx].prev = tail
	p.descs[tail].next = idx
	p.descs[h].prev = idx
}

func (p *pool) listDel(head *int, idx int) {
	n := &p.descs[idx]
	if n.next == idx {
		*head = -1
		return
	}
	p.descs[n.prev].next = n.next
	p.descs[n.next].prev = n.prev
	if *head == idx {
		*head = n.next
	}
}

// get pulls a descriptor off the free ring onto the tail of the
// in-use ring and assigns it the next sequential id, resetting
// descNext if the in-use ring was empty.
func (p *pool) get() *Descriptor {
	if p.freeHead == -1 {
		return nil // arena exhausted: invariant violation, caller decides how to react
	}
	idx := p.freeHead
	p.listDel(&p.freeHead, idx)

	wasEmpty := p.inUseHead == -1
	p.listAdd(&p.inUseHead, idx)

	d := &p.descs[idx]
	if wasEmpty {
		d.ID = 1
		p.descNext = idx
	} else {
		d.ID = p.descs[d.prev].ID + 1
	}
	d.inUse = true
	return d
}

// put returns a descriptor to the free ring, advancing descNext first
// if it pointed at the descriptor being released.
func (p *pool) put(idx int) {
	if p.descNext == idx {
		if p.descs[idx].next != idx {
			p.descNext = p.descs[idx].next
		} else {
			p.descNext = -1
		}
	}
	p.listDel(&p.inUseHead, idx)

	d := &p.descs[idx]
	d.ID = 0
	d.Opcode = 0
	d.SLBA = 0
	d.NLB = 0
	d.Buf = 0
	d.Err = nil
	d.CIDCount = 0
	d.inUse = false
	for i := range d.CIDMask {
		d.CIDMask[i] = 0
	}

	p.listAdd(&p.freeHead, idx)
}

// advanceDescNext skips descNext past any in-use descriptors whose
// cids have all completed, so it always names the oldest descriptor
// that still has something outstanding.
func (p *pool) advanceDescNext() {
	if p.descNext == -1 {
		return
	}
	start := p.descNext
	for p.descs[p.descNext].CIDCount == 0 {
		if p.descs[p.descNext].next == p.descNext {
			p.descNext = -1
			return
		}
		p.descNext = p.descs[p.descNext].next
		if p.descNext == start {
			return
		}
	}
}
