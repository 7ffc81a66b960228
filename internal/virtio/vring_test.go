package virtio

import (
	"encoding/binary"
	"testing"
)

func testVring(t *testing.T, size uint16) (*Vring, *mockMemory, Queue) {
	t.Helper()
	mem := newMockMemory(0x2000)
	q := Queue{
		Index:     0,
		Size:      size,
		DescAddr:  0x0,
		AvailAddr: 0x400,
		UsedAddr:  0x800,
	}
	vr, err := NewVring(mem, q)
	if err != nil {
		t.Fatalf("NewVring: %v", err)
	}
	return vr, mem, q
}

// completeChain plays the device: it writes a used-ring entry for the chain
// and bumps the used index.
func completeChain(t *testing.T, mem *mockMemory, q Queue, slot, head uint16, written uint32) {
	t.Helper()
	base := q.UsedAddr + 4 + uint64(slot%q.Size)*8
	binary.LittleEndian.PutUint32(mem.data[base:], uint32(head))
	binary.LittleEndian.PutUint32(mem.data[base+4:], written)
	binary.LittleEndian.PutUint16(mem.data[q.UsedAddr+2:], slot+1)
}

func TestVringPost(t *testing.T) {
	vr, mem, q := testVring(t, 8)

	head, err := vr.Post([]Buffer{
		{Addr: 0x1000, Len: 16},
		{Addr: 0x1100, Len: 32, DeviceWritable: true},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if vr.NumFree() != 6 {
		t.Errorf("NumFree = %d, want 6", vr.NumFree())
	}

	// First descriptor: chained, device-readable.
	descBase := q.DescAddr + uint64(head)*16
	if got := binary.LittleEndian.Uint64(mem.data[descBase:]); got != 0x1000 {
		t.Errorf("desc addr = %#x, want 0x1000", got)
	}
	flags := binary.LittleEndian.Uint16(mem.data[descBase+12:])
	if flags != vringDescFNext {
		t.Errorf("head flags = %#x, want NEXT only", flags)
	}
	next := binary.LittleEndian.Uint16(mem.data[descBase+14:])

	// Second descriptor: terminal, device-writable.
	descBase = q.DescAddr + uint64(next)*16
	flags = binary.LittleEndian.Uint16(mem.data[descBase+12:])
	if flags != vringDescFWrite {
		t.Errorf("tail flags = %#x, want WRITE only", flags)
	}

	// Published on the available ring.
	if got := binary.LittleEndian.Uint16(mem.data[q.AvailAddr+2:]); got != 1 {
		t.Errorf("avail idx = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint16(mem.data[q.AvailAddr+4:]); got != head {
		t.Errorf("avail ring slot = %d, want head %d", got, head)
	}
}

func TestVringPostExhaustion(t *testing.T) {
	vr, _, _ := testVring(t, 4)

	for i := 0; i < 4; i++ {
		if _, err := vr.Post([]Buffer{{Addr: 0x1000, Len: 8}}); err != nil {
			t.Fatalf("Post %d: %v", i, err)
		}
	}
	if _, err := vr.Post([]Buffer{{Addr: 0x1000, Len: 8}}); err == nil {
		t.Fatal("Post on a full ring succeeded")
	}
}

func TestVringReap(t *testing.T) {
	vr, mem, q := testVring(t, 8)

	head, err := vr.Post([]Buffer{{Addr: 0x1000, Len: 16}, {Addr: 0x1100, Len: 8, DeviceWritable: true}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if _, ok, err := vr.Reap(); err != nil || ok {
		t.Fatalf("Reap before completion: ok=%v err=%v", ok, err)
	}

	completeChain(t, mem, q, 0, head, 8)

	elem, ok, err := vr.Reap()
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if !ok {
		t.Fatal("Reap found no completion")
	}
	if elem.Head != head || elem.Len != 8 {
		t.Errorf("reaped {%d, %d}, want {%d, 8}", elem.Head, elem.Len, head)
	}
	if vr.NumFree() != 8 {
		t.Errorf("NumFree after reap = %d, want 8", vr.NumFree())
	}
}

func TestVringReapBogusHead(t *testing.T) {
	vr, mem, q := testVring(t, 8)

	if _, err := vr.Post([]Buffer{{Addr: 0x1000, Len: 16}}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	completeChain(t, mem, q, 0, 99, 0)

	if _, _, err := vr.Reap(); err == nil {
		t.Fatal("Reap accepted an out-of-bounds used head")
	}
}

func TestVringRetire(t *testing.T) {
	vr, mem, q := testVring(t, 4)

	head, err := vr.Post([]Buffer{{Addr: 0x1000, Len: 16}, {Addr: 0x1100, Len: 8, DeviceWritable: true}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	vr.Retire(head)

	// A late completion must not return the slots to circulation.
	completeChain(t, mem, q, 0, head, 8)
	if _, ok, err := vr.Reap(); err != nil || !ok {
		t.Fatalf("Reap of retired chain: ok=%v err=%v", ok, err)
	}
	if vr.NumFree() != 2 {
		t.Errorf("NumFree after retired completion = %d, want 2", vr.NumFree())
	}

	// The remaining capacity is still usable.
	if _, err := vr.Post([]Buffer{{Addr: 0x1200, Len: 8}, {Addr: 0x1300, Len: 8}}); err != nil {
		t.Fatalf("Post after retire: %v", err)
	}
	if _, err := vr.Post([]Buffer{{Addr: 0x1400, Len: 8}}); err == nil {
		t.Fatal("Post succeeded using retired descriptors")
	}
}

func TestVringAbsentQueue(t *testing.T) {
	mem := newMockMemory(0x100)
	if _, err := NewVring(mem, Queue{Index: 3}); err == nil {
		t.Fatal("NewVring accepted an absent queue")
	}
}
