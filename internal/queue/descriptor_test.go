package queue

import "testing"

func TestPoolGetAssignsSequentialIDs(t *testing.T) {
	p := newPool(4, 1)

	d1 := p.get()
	d2 := p.get()
	d3 := p.get()

	if d1.ID != 1 || d2.ID != 2 || d3.ID != 3 {
		t.Fatalf("IDs = %d, %d, %d; want 1, 2, 3", d1.ID, d2.ID, d3.ID)
	}
	if p.descNext != d1.slot {
		t.Errorf("descNext = %d, want first descriptor's slot %d", p.descNext, d1.slot)
	}
}

func TestPoolPutResetsAndRecyclesIDs(t *testing.T) {
	p := newPool(4, 1)

	d1 := p.get()
	d1.CIDCount = 1
	setBit(d1.CIDMask, 2)

	p.put(d1.slot)

	if d1.CIDCount != 0 || d1.ID != 0 {
		t.Errorf("descriptor not reset after put: CIDCount=%d ID=%d", d1.CIDCount, d1.ID)
	}
	if bit(d1.CIDMask, 2) {
		t.Error("CIDMask not cleared after put")
	}

	d2 := p.get()
	if d2.ID != 1 {
		t.Errorf("recycled descriptor ID = %d, want 1 (ring was empty)", d2.ID)
	}
}

func TestPoolDescNextAdvancesPastDrainedDescriptors(t *testing.T) {
	p := newPool(4, 1)

	d1 := p.get()
	d2 := p.get()
	d1.CIDCount = 0
	d2.CIDCount = 1

	p.descNext = d1.slot
	p.advanceDescNext()

	if p.descNext != d2.slot {
		t.Errorf("descNext = %d, want d2.slot %d", p.descNext, d2.slot)
	}
}

func TestPoolDescNextEmptiesWhenAllDrained(t *testing.T) {
	p := newPool(4, 1)
	d1 := p.get()
	d1.CIDCount = 0

	p.descNext = d1.slot
	p.advanceDescNext()

	if p.descNext != -1 {
		t.Errorf("descNext = %d, want -1", p.descNext)
	}
}

func TestPoolExhaustionReturnsNil(t *testing.T) {
	p := newPool(2, 1)
	d1 := p.get()
	d2 := p.get()
	if d1 == nil || d2 == nil {
		t.Fatal("expected two descriptors from a pool of size 2")
	}
	if d3 := p.get(); d3 != nil {
		t.Error("expected nil from an exhausted pool")
	}
}
