package memory

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFrameTable_AcquireFreeThenEvict(t *testing.T) {
	ft := NewFrameTable(2, NewStats())

	idx1, evicted, _, ok := ft.Acquire()
	if !ok || evicted {
		t.Fatalf("first acquire should be a free frame, got idx=%d evicted=%v ok=%v", idx1, evicted, ok)
	}
	ft.Occupy(idx1, 1, 0)

	idx2, evicted, _, ok := ft.Acquire()
	if !ok || evicted {
		t.Fatalf("second acquire should still be free, got idx=%d evicted=%v ok=%v", idx2, evicted, ok)
	}
	ft.Occupy(idx2, 2, 0)

	if ft.FreeCount() != 0 {
		t.Fatalf("expected 0 free frames, got %d", ft.FreeCount())
	}

	idx3, evicted, victim, ok := ft.Acquire()
	if !ok || !evicted {
		t.Fatalf("third acquire should evict the FIFO head, got idx=%d evicted=%v ok=%v", idx3, evicted, ok)
	}
	if idx3 != idx1 || victim.Owner != 1 {
		t.Fatalf("expected FIFO eviction of the first-occupied frame %d, got %d (victim owner %d)", idx1, idx3, victim.Owner)
	}
}

func TestFrameTable_ReleaseThenStaleQueueEntrySkipped(t *testing.T) {
	ft := NewFrameTable(1, NewStats())
	idx, _, _, ok := ft.Acquire()
	if !ok {
		t.Fatal("expected a free frame")
	}
	ft.Occupy(idx, 1, 0)
	ft.Release(idx) // process terminated, frame reclaimed without going through eviction

	idx2, evicted, _, ok := ft.Acquire()
	if !ok || evicted {
		t.Fatalf("released frame should be handed out as free, not as an eviction victim: idx=%d evicted=%v", idx2, evicted)
	}
	if idx2 != idx {
		t.Fatalf("expected the released frame to be reused, got %d want %d", idx2, idx)
	}
}

func TestBackingStore_PageOutThenPageInRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	bs := NewBackingStore(filepath.Join(dir, "store.txt"), log)

	// PageWords emits absolute byte addresses within [vpn*pageBytes,
	// vpn*pageBytes+pageBytes), not page-relative offsets.
	base := 1 * 64
	words := map[int]uint16{base: 0x1234, base + 2: 0xBEEF}
	if err := bs.PageOut(7, 1, words, 64); err != nil {
		t.Fatalf("PageOut: %v", err)
	}

	got, found, err := bs.PageIn(7, 1)
	if err != nil {
		t.Fatalf("PageIn: %v", err)
	}
	if !found {
		t.Fatal("expected a page previously written to be found")
	}
	if got[base] != 0x1234 || got[base+2] != 0xBEEF {
		t.Fatalf("unexpected page-in contents: %+v", got)
	}
}

// Regression: flattenPage once assumed base=0 regardless of vpn, which
// silently dropped every word of any evicted page with vpn>0 (every
// absolute address landed past the page-relative slice bound). Exercise
// a page beyond vpn 0 using the same absolute-address convention
// process.PageWords actually emits.
func TestBackingStore_PageOutThenPageInRoundTrip_NonZeroVPN(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	bs := NewBackingStore(filepath.Join(dir, "store.txt"), log)

	const pageBytes = 64
	const vpn = 3
	base := vpn * pageBytes
	words := map[int]uint16{base: 0xCAFE, base + 4: 0x0042, base + pageBytes - 2: 0xFFFF}
	if err := bs.PageOut(9, vpn, words, pageBytes); err != nil {
		t.Fatalf("PageOut: %v", err)
	}

	got, found, err := bs.PageIn(9, vpn)
	if err != nil {
		t.Fatalf("PageIn: %v", err)
	}
	if !found {
		t.Fatal("expected a page previously written to be found")
	}
	if got[base] != 0xCAFE || got[base+4] != 0x0042 || got[base+pageBytes-2] != 0xFFFF {
		t.Fatalf("unexpected page-in contents for vpn=%d: %+v", vpn, got)
	}
}

func TestBackingStore_PageInMissIsZeroFill(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	bs := NewBackingStore(filepath.Join(dir, "store.txt"), log)

	_, found, err := bs.PageIn(1, 0)
	if err != nil {
		t.Fatalf("PageIn on empty store: %v", err)
	}
	if found {
		t.Fatal("expected a miss for a page never paged out")
	}
}

func TestBackingStore_ReleaseProcessDropsItsRecords(t *testing.T) {
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	bs := NewBackingStore(filepath.Join(dir, "store.txt"), log)

	if err := bs.PageOut(1, 0, map[int]uint16{0: 1}, 64); err != nil {
		t.Fatalf("PageOut: %v", err)
	}
	if err := bs.PageOut(2, 0, map[int]uint16{0: 2}, 64); err != nil {
		t.Fatalf("PageOut: %v", err)
	}
	if err := bs.ReleaseProcess(1); err != nil {
		t.Fatalf("ReleaseProcess: %v", err)
	}

	if _, found, _ := bs.PageIn(1, 0); found {
		t.Fatal("expected pid 1's page to be gone after ReleaseProcess")
	}
	if _, found, _ := bs.PageIn(2, 0); !found {
		t.Fatal("expected pid 2's page to remain")
	}
}
