package blocks

import (
	"testing"

	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
)

func newTestAllocator(t *testing.T) (*Allocator, *flash.MemDevice) {
	t.Helper()
	g := flash.Geometry{PageSize: 4096, BlockSize: 512, Pages: 8}
	dev, err := flash.NewMemDevice(g)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	a := NewAllocator(dev, g, 2)
	if err := a.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return a, dev
}

func TestAllocator_Layout(t *testing.T) {
	a, _ := newTestAllocator(t)

	// 64 blocks total, 2 bytes per word -> the map fits in the first page
	// (8 blocks); the last page (8 blocks) is scratch.
	if a.FirstData() != 8 {
		t.Errorf("FirstData = %d, want 8", a.FirstData())
	}
	if a.FreeCount() != 48 {
		t.Errorf("FreeCount = %d, want 48", a.FreeCount())
	}
}

func TestAllocator_AllocateMarksEOF(t *testing.T) {
	a, _ := newTestAllocator(t)

	b, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Word(b) != EOF {
		t.Errorf("Word(%d) = %#x, want EOF", b, a.Word(b))
	}
	if a.FreeCount() != 47 {
		t.Errorf("FreeCount = %d, want 47", a.FreeCount())
	}
}

func TestAllocator_ChainAndWalk(t *testing.T) {
	a, _ := newTestAllocator(t)

	head, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Extend(head, second); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	next, more, err := a.Next(head)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !more || next != second {
		t.Errorf("Next(head) = %d,%v, want %d,true", next, more, second)
	}
	if _, more, _ := a.Next(second); more {
		t.Error("chain tail reported a successor")
	}
}

func TestAllocator_MapSurvivesReload(t *testing.T) {
	a, dev := newTestAllocator(t)

	head, _ := a.Allocate()
	second, _ := a.Allocate()
	if err := a.Extend(head, second); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	reloaded := NewAllocator(dev, dev.Geometry(), 2)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Word(head) != uint16(second) {
		t.Errorf("reloaded Word(head) = %#x, want %#x", reloaded.Word(head), second)
	}
	if reloaded.Word(second) != EOF {
		t.Errorf("reloaded Word(second) = %#x, want EOF", reloaded.Word(second))
	}
	if reloaded.FreeCount() != a.FreeCount() {
		t.Errorf("reloaded FreeCount = %d, want %d", reloaded.FreeCount(), a.FreeCount())
	}
}

func TestAllocator_FreeMarksChainDeleted(t *testing.T) {
	a, _ := newTestAllocator(t)

	head, _ := a.Allocate()
	second, _ := a.Allocate()
	a.Extend(head, second)

	if err := a.Free(head); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.Word(head) != Deleted || a.Word(second) != Deleted {
		t.Errorf("chain not deleted: %#x %#x", a.Word(head), a.Word(second))
	}
}

func TestAllocator_ReclaimErasesDeadPages(t *testing.T) {
	a, _ := newTestAllocator(t)
	bpp := 8

	// Fill one whole page with a chain, then kill it.
	ids := make([]BlockID, 0, bpp)
	for i := 0; i < bpp; i++ {
		b, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if len(ids) > 0 {
			a.Extend(ids[len(ids)-1], b)
		}
		ids = append(ids, b)
	}
	if err := a.Free(ids[0]); err != nil {
		t.Fatalf("Free: %v", err)
	}

	before := a.FreeCount()
	n, err := a.Reclaim()
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if n != 1 {
		t.Errorf("Reclaim = %d pages, want 1", n)
	}
	if a.FreeCount() != before+bpp {
		t.Errorf("FreeCount = %d, want %d", a.FreeCount(), before+bpp)
	}
	for _, b := range ids {
		if a.Word(b) != Free {
			t.Errorf("Word(%d) = %#x, want Free", b, a.Word(b))
		}
	}
}

func TestAllocator_ExhaustionThenReclaim(t *testing.T) {
	a, _ := newTestAllocator(t)

	// Exhaust the pool with singleton chains.
	var all []BlockID
	for {
		b, err := a.Allocate()
		if err != nil {
			break
		}
		all = append(all, b)
	}
	if len(all) != 48 {
		t.Fatalf("allocated %d blocks, want 48", len(all))
	}
	if _, err := a.Allocate(); err != ErrNoFreeBlocks {
		t.Fatalf("expected ErrNoFreeBlocks, got %v", err)
	}

	// Freeing one full page makes allocation succeed again through the
	// synchronous reclaim inside Allocate.
	for i := 0; i < 8; i++ {
		if err := a.Free(all[i]); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if _, err := a.Allocate(); err != nil {
		t.Errorf("Allocate after reclaim: %v", err)
	}
}

// flakyDevice fails every program touching one address, standing in for a
// worn-out flash cell.
type flakyDevice struct {
	*flash.MemDevice
	failAddr int
}

func (d *flakyDevice) WriteBlock(addr int, buf []byte) error {
	if addr == d.failAddr {
		return flash.ErrWriteFail
	}
	return d.MemDevice.WriteBlock(addr, buf)
}

func TestAllocator_BadBlockExcluded(t *testing.T) {
	g := flash.Geometry{PageSize: 4096, BlockSize: 512, Pages: 8}
	mem, err := flash.NewMemDevice(g)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	victim := BlockID(8)
	dev := &flakyDevice{MemDevice: mem, failAddr: 16} // victim's map word
	a := NewAllocator(dev, g, 2)
	if err := a.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}

	// The failed program must cost one allocation attempt, not the call.
	b, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b == victim {
		t.Fatalf("allocator handed out block %d after its program failed", victim)
	}

	got := []BlockID{b}
	for {
		b, err := a.Allocate()
		if err != nil {
			break
		}
		if b == victim {
			t.Fatalf("bad block %d handed out", victim)
		}
		got = append(got, b)
	}
	if len(got) != 47 {
		t.Errorf("allocated %d blocks, want 47 with one bad", len(got))
	}

	// The bad block stays out of the pool across a reclaim of its page.
	for _, b := range got {
		if err := a.Free(b); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if _, err := a.Reclaim(); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	for i := 0; i < 47; i++ {
		b, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate after reclaim: %v", err)
		}
		if b == victim {
			t.Fatalf("bad block %d handed out after reclaim", victim)
		}
	}
}

func TestAllocator_RewriteRelinksThroughRecycle(t *testing.T) {
	a, dev := newTestAllocator(t)

	head, _ := a.Allocate()
	mid, _ := a.Allocate()
	tail, _ := a.Allocate()
	a.Extend(head, mid)
	a.Extend(mid, tail)

	// Splice a replacement in front of tail. Repointing head needs bits
	// raised back to 1, which goes through the map page recycle.
	repl, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Extend(repl, tail); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := a.Rewrite(head, uint16(repl)); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if err := a.Discard(mid); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	if a.Word(head) != uint16(repl) {
		t.Errorf("Word(head) = %#x, want %#x", a.Word(head), repl)
	}
	if a.Word(mid) != Deleted {
		t.Errorf("Word(mid) = %#x, want Deleted", a.Word(mid))
	}

	reloaded := NewAllocator(dev, dev.Geometry(), 2)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Word(head) != uint16(repl) {
		t.Errorf("reloaded Word(head) = %#x, want %#x", reloaded.Word(head), repl)
	}
	if reloaded.Word(tail) != EOF {
		t.Errorf("reloaded Word(tail) = %#x, want EOF", reloaded.Word(tail))
	}
}

func TestAllocator_TornMapPageRecovery(t *testing.T) {
	a, dev := newTestAllocator(t)

	head, _ := a.Allocate()
	second, _ := a.Allocate()
	if err := a.Extend(head, second); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	// Stage a crash inside the map page recycle: the image made it to
	// scratch, the live page was erased, the reprogram never ran.
	g := dev.Geometry()
	image := make([]byte, g.PageSize)
	if err := dev.ReadBlock(0, image); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	scratchAddr := (g.Pages - 1) * g.PageSize
	if err := dev.WriteBlock(scratchAddr, image); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := dev.ErasePage(0); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}

	reloaded := NewAllocator(dev, g, 2)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Word(head) != uint16(second) {
		t.Errorf("Word(head) = %#x, want %#x", reloaded.Word(head), second)
	}
	if reloaded.Word(second) != EOF {
		t.Errorf("Word(second) = %#x, want EOF", reloaded.Word(second))
	}
	if reloaded.FreeCount() != a.FreeCount() {
		t.Errorf("FreeCount = %d, want %d", reloaded.FreeCount(), a.FreeCount())
	}

	// Recovery finishes by clearing scratch, so the next mount is clean.
	scratch := make([]byte, g.PageSize)
	if err := dev.ReadBlock(scratchAddr, scratch); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range scratch {
		if b != 0xFF {
			t.Fatalf("scratch byte %d = %#x after recovery, want 0xFF", i, b)
		}
	}
}
